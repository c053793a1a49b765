package admission

import (
	"errors"
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/signalrelay/internal/sentinel"
)

func TestController_Boundary(t *testing.T) {
	c, err := New(3)
	assert.NoError(t, err)

	assert.True(t, c.Admit(0))
	assert.True(t, c.Admit(2))
	assert.True(t, !c.Admit(3))
	assert.True(t, !c.Admit(4))
	assert.Equal(t, uint64(2), c.Rejected())
}

func TestController_Disabled(t *testing.T) {
	c, err := New(0)
	assert.NoError(t, err)
	assert.True(t, c.Admit(1_000_000))
}

func TestController_SetCeiling(t *testing.T) {
	c, err := New(1)
	assert.NoError(t, err)
	assert.True(t, c.Exceeded(1))

	c.SetCeiling(5)
	assert.True(t, !c.Exceeded(1))

	c.SetCeiling(-1)
	assert.Equal(t, 5, c.Ceiling())
}

func TestNew_NegativeCeiling(t *testing.T) {
	_, err := New(-1)
	assert.True(t, errors.Is(err, sentinel.ErrInvalidCeiling))
}
