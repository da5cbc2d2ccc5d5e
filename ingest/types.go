// Package ingest implements the incoming message pipeline: normalization of
// decrypted protocol payloads, conversation and sender resolution, duplicate
// detection, serialized per-conversation persistence and profile sync.
package ingest

import (
	"encoding/json"
)

// Message flag bits. Any combination other than a bare timer update is rejected
// during normalization.
const (
	FlagExpirationTimerUpdate uint32 = 1
)

// Group update types carried by a group control payload.
const (
	GroupUpdateTypeNew = iota
	GroupUpdateTypeNameChange
	GroupUpdateTypeAvatarChange
	GroupUpdateTypeMemberChange
	GroupUpdateTypeQuit
)

// Conversation kinds.
const (
	KindPrivate = iota
	KindGroup
)

// Envelope describes the network-level metadata of one decrypted protocol
// message. It is created by the transport layer and evicted from the pending
// cache once the pipeline reaches a terminal outcome.
type Envelope struct {
	Source          string `json:"source"`
	SenderIdentity  string `json:"senderIdentity,omitempty"`
	Timestamp       uint64 `json:"timestamp"`
	ServerTimestamp uint64 `json:"serverTimestamp,omitempty"`
	Hash            string `json:"hash"`
}

// openGroup reports whether this envelope was relayed by an open group server,
// which assigns its own timestamps.
func (e *Envelope) openGroup() bool {
	return e.ServerTimestamp != 0
}

// RawAttachment is an attachment pointer as it appears on the wire, with
// binary key and digest fields.
type RawAttachment struct {
	ID          uint64 `json:"id,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	URL         string `json:"url,omitempty"`
	Size        uint32 `json:"size,omitempty"`
	Key         []byte `json:"key,omitempty"`
	Digest      []byte `json:"digest,omitempty"`
}

type RawQuote struct {
	ID     json.Number    `json:"id,omitempty"`
	Author string         `json:"author,omitempty"`
	Text   string         `json:"text,omitempty"`
	Thumb  *RawAttachment `json:"thumb,omitempty"`
}

type RawPreview struct {
	URL   string         `json:"url,omitempty"`
	Title string         `json:"title,omitempty"`
	Image *RawAttachment `json:"image,omitempty"`
}

type RawGroupUpdate struct {
	ID      string         `json:"id"`
	Type    int            `json:"type"`
	Name    string         `json:"name,omitempty"`
	Members []string       `json:"members,omitempty"`
	Admins  []string       `json:"admins,omitempty"`
	Avatar  *RawAttachment `json:"avatar,omitempty"`
}

type RawProfile struct {
	DisplayName   string `json:"displayName,omitempty"`
	AvatarPointer string `json:"avatarPointer,omitempty"`
}

type RawOpenGroupInvitation struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// ContentPayload is the raw decoded protocol message handed in by the
// transport layer. Optional fields are pointers so presence can be checked
// explicitly.
type ContentPayload struct {
	Flags               *uint32                 `json:"flags,omitempty"`
	ExpireTimer         *uint32                 `json:"expireTimer,omitempty"`
	Timestamp           *uint64                 `json:"timestamp,omitempty"`
	Body                string                  `json:"body,omitempty"`
	Attachments         []*RawAttachment        `json:"attachments,omitempty"`
	Quote               *RawQuote               `json:"quote,omitempty"`
	Previews            []*RawPreview           `json:"previews,omitempty"`
	Group               *RawGroupUpdate         `json:"group,omitempty"`
	Profile             *RawProfile             `json:"profile,omitempty"`
	ProfileKey          []byte                  `json:"profileKey,omitempty"`
	SyncTarget          string                  `json:"syncTarget,omitempty"`
	OpenGroupInvitation *RawOpenGroupInvitation `json:"openGroupInvitation,omitempty"`
}

// Attachment is the canonical form of an attachment pointer. Key and digest
// are base64, ready for persistence.
type Attachment struct {
	ID          uint64 `json:"id,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	URL         string `json:"url,omitempty"`
	Size        uint32 `json:"size,omitempty"`
	Key         string `json:"key,omitempty"`
	Digest      string `json:"digest,omitempty"`
}

type Quote struct {
	ID     uint64      `json:"id"`
	Author string      `json:"author,omitempty"`
	Text   string      `json:"text,omitempty"`
	Thumb  *Attachment `json:"thumb,omitempty"`
}

type Preview struct {
	URL   string      `json:"url"`
	Title string      `json:"title,omitempty"`
	Image *Attachment `json:"image,omitempty"`
}

type GroupUpdate struct {
	ID      string      `json:"id"`
	Type    int         `json:"type"`
	Name    string      `json:"name,omitempty"`
	Members []string    `json:"members,omitempty"`
	Admins  []string    `json:"admins,omitempty"`
	Avatar  *Attachment `json:"avatar,omitempty"`
}

type Profile struct {
	DisplayName   string
	AvatarPointer string
}

type OpenGroupInvitation struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// NormalizedMessage is the working structure built from a ContentPayload by
// the normalizer. All attachment-like sub-objects are in canonical form.
type NormalizedMessage struct {
	Flags               uint32
	ExpireTimer         uint32
	Timestamp           uint64
	Body                string
	Attachments         []*Attachment
	Quote               *Quote
	Previews            []*Preview
	Group               *GroupUpdate
	Profile             *Profile
	ProfileKey          []byte
	SyncTarget          string
	OpenGroupInvitation *OpenGroupInvitation
}

// empty reports whether the message carries nothing worth persisting.
func (n *NormalizedMessage) empty() bool {
	return n.Flags == 0 &&
		n.Body == "" &&
		len(n.Attachments) == 0 &&
		n.Quote == nil &&
		len(n.Previews) == 0 &&
		n.Group == nil &&
		n.OpenGroupInvitation == nil
}

// Events delivered on the manager's update channel.

type MessageAdded struct {
	MessageID      []byte
	ConversationID string
	Sender         string
	SentAt         uint64
	FromUs         bool
}

type ConversationUpdated struct {
	ConversationID string
}

type ProfileUpdated struct {
	ConversationID string
	DisplayName    string
	AvatarPath     string
}
