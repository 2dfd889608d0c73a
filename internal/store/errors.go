package store

import "errors"

var (
	// ErrNotFound is returned when a team, user, agent, flow, or mail entry
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateMessageID is returned by mail store inserts when the
	// message-id is already present. Webhook retries hit this path and treat
	// it as success (idempotent delivery).
	ErrDuplicateMessageID = errors.New("duplicate message-id")

	// ErrPreconditionFailed is returned when an operation requires a flow
	// status the flow is not in (e.g. resuming a flow that is not waiting).
	ErrPreconditionFailed = errors.New("precondition failed")
)
