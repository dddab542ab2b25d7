package flare

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so business logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator abstracts unique ID generation so tests are deterministic.
// The prefix identifies the entity kind, e.g. "ses" for sessions.
type IDGenerator interface {
	New(prefix string) string
}

// UUIDGenerator produces prefixed random identifiers.
type UUIDGenerator struct{}

func (UUIDGenerator) New(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
