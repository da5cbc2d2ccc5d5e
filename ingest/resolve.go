package ingest

import (
	"github.com/sandakersmann/session-core/pubkey"
)

// resolution is the outcome of conversation and sender identity resolution
// for one normalized message.
type resolution struct {
	conversationID string
	senderID       string
	kind           int
	fromMe         bool
	selfSync       bool
}

// resolveConversation determines which conversation a message belongs to and
// who sent it. Group control payloads never reach this point; they are routed
// to the group control handler before resolution.
//
// A sync message purporting to originate from someone other than the local
// user is never trusted and resolves to Drop(ForeignSync).
func resolveConversation(localID string, env *Envelope, n *NormalizedMessage) (*resolution, error) {
	r := &resolution{}

	r.senderID = pubkey.Strip(env.Source)
	r.kind = KindPrivate
	if env.SenderIdentity != "" {
		r.senderID = pubkey.Strip(env.SenderIdentity)
		r.kind = KindGroup
	}

	r.fromMe = pubkey.Equal(r.senderID, localID)
	r.selfSync = n.SyncTarget != ""

	if r.selfSync && !r.fromMe {
		return nil, &DropError{Reason: ReasonForeignSync}
	}

	if r.selfSync {
		r.conversationID = pubkey.Strip(n.SyncTarget)
	} else {
		r.conversationID = pubkey.Strip(env.Source)
	}

	if r.conversationID == "" {
		return nil, &DropError{Reason: ReasonUnresolvable}
	}
	return r, nil
}
