package ingest

import (
	"errors"
	"fmt"
)

// Validation failures. Both are fatal to the single message and never retried.
var (
	ErrTooManyAttachments = errors.New("ingest: too many attachments")
	ErrUnknownFlags       = errors.New("ingest: unknown flags")
)

// DropReason classifies a message that reached a terminal state without being
// persisted.
type DropReason string

const (
	ReasonForeignSync  DropReason = "foreign_sync"
	ReasonEmpty        DropReason = "empty"
	ReasonDuplicate    DropReason = "duplicate"
	ReasonUnresolvable DropReason = "unresolvable"
	ReasonInvalid      DropReason = "invalid"
)

// DropError signals the pipeline to evict the envelope with no further
// processing.
type DropError struct {
	Reason DropReason
}

func (e *DropError) Error() string {
	return fmt.Sprintf("ingest: message dropped: %s", e.Reason)
}

func dropped(err error) (DropReason, bool) {
	var de *DropError
	if errors.As(err, &de) {
		return de.Reason, true
	}
	return "", false
}
