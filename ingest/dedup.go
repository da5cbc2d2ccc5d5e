package ingest

import (
	"go.uber.org/zap"
)

// detector decides at-most-once admission by looking up prior messages with
// the same duplicate key. A failing lookup is treated as "not a duplicate";
// blocking ingestion on a storage error would be worse than the occasional
// re-admitted message.
type detector struct {
	db  *database
	log *zap.SugaredLogger
}

// isDuplicate keys swarm and private messages by (sender, sent-at) and open
// group messages by (sender, server timestamp). The open group key is
// deliberately not scoped by conversation: two messages from the same sender
// with the same server timestamp are the same logical message no matter where
// they were delivered.
func (d *detector) isDuplicate(env *Envelope, senderID string, sentAt uint64) bool {
	var exists bool
	var err error
	if env.openGroup() {
		exists, err = d.db.messageExistsOpenGroup(senderID, env.ServerTimestamp)
	} else {
		exists, err = d.db.messageExists(senderID, sentAt)
	}
	if err != nil {
		d.log.Warnf("duplicate lookup for %s failed, admitting: %v", senderID, err)
		return false
	}
	return exists
}
