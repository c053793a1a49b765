package transcript

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/signalrelay/internal/sentinel"
)

type blockingRecorder struct {
	*Memory

	release chan struct{}
}

func (b *blockingRecorder) Record(ctx context.Context, id, line string) error {
	<-b.release

	return b.Memory.Record(ctx, id, line)
}

type failingRecorder struct{ Nop }

func (failingRecorder) Record(context.Context, string, string) error { return errors.New("store down") }

func TestAsync_KeepsPerIdentityOrder(t *testing.T) {
	mem := NewMemory(0)
	a := NewAsync(mem, WithWorkers(3))

	var wg sync.WaitGroup

	for _, id := range []string{"alice", "bob", "carol"} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range 20 {
				assert.NoError(t, a.Record(context.Background(), id, fmt.Sprintf("line %d", i)))
			}
		}()
	}

	wg.Wait()
	a.Close()

	for _, id := range []string{"alice", "bob", "carol"} {
		lines, err := a.Entries(context.Background(), id)
		assert.NoError(t, err)
		assert.Equal(t, 20, len(lines))

		for i, line := range lines {
			assert.Equal(t, fmt.Sprintf("line %d", i), line)
		}
	}

	assert.Equal(t, uint64(60), a.Written())
}

func TestAsync_DropsWhenSaturated(t *testing.T) {
	rec := &blockingRecorder{Memory: NewMemory(0), release: make(chan struct{})}
	a := NewAsync(rec, WithWorkers(1), WithQueueSize(1))

	// the first line is taken by the writer, the second fills the queue
	assert.NoError(t, a.Record(context.Background(), "alice", "one"))

	var err error

	for range 3 {
		err = a.Record(context.Background(), "alice", "more")
		if err != nil {
			break
		}
	}

	assert.True(t, errors.Is(err, sentinel.ErrTranscriptQueueFull))
	assert.True(t, a.Dropped() >= 1)

	close(rec.release)
	a.Close()

	err = a.Record(context.Background(), "alice", "late")
	assert.True(t, errors.Is(err, sentinel.ErrTranscriptClosed))

	// closing twice is a no-op
	a.Close()
}

func TestAsync_CountsFailures(t *testing.T) {
	a := NewAsync(failingRecorder{})

	assert.NoError(t, a.Record(context.Background(), "alice", "x"))
	a.Close()

	assert.Equal(t, uint64(1), a.Failed())
	assert.Equal(t, uint64(0), a.Written())
}
