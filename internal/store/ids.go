package store

import (
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// GenNewID returns a new v4 UUID for entity identifiers.
func GenNewID() uuid.UUID {
	return uuid.New()
}

// NewRequestID mints an opaque request token embedded in agent-to-agent
// subjects ("req-" + nanoid). Collisions within the retention window are an
// implementation bug; callers double-check on insert and re-mint once.
func NewRequestID() string {
	return "req-" + gonanoid.Must(10)
}
