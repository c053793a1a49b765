// Package cluster contains the primitives identifying a relay process inside a fleet
// that shares one pub/sub bus: the host identifier used for echo suppression and the
// epoch counter tracking registry changes.
package cluster

import (
	"encoding/hex"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const (
	hostSuffixBytes = 4
	byteShift       = 8
)

// HostID names one relay process. Membership events carry it so a process can discard
// its own announcements when the bus loops them back.
type HostID string

// String returns the identifier as a plain string.
func (h HostID) String() string { return string(h) }

// NewHostID derives a host identifier. An explicit id is used verbatim. Otherwise the
// identifier is the machine hostname followed by a short xxhash suffix over
// hostname, pid and a random nonce, so several processes on one machine stay distinct.
func NewHostID(explicit string) HostID {
	if id := strings.TrimSpace(explicit); id != "" {
		return HostID(id)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "relay"
	}

	hv := xxhash.Sum64String(hostname + "|" + strconv.Itoa(os.Getpid()) + "|" + uuid.NewString())

	b := make([]byte, hostSuffixBytes)
	for i := range hostSuffixBytes {
		b[i] = byte(hv >> (byteShift * i))
	}

	return HostID(hostname + "-" + hex.EncodeToString(b))
}
