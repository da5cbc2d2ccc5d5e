package ingest

import (
	"encoding/base64"
	"fmt"
)

// normalizeContent builds a NormalizedMessage from a raw payload. It fills
// defaults, enforces the flag and attachment-count invariants and re-encodes
// every attachment-like sub-object into canonical form. It is a pure
// transform; eviction on the too-many-attachments path is the manager's job.
func normalizeContent(maxAttachments int, env *Envelope, raw *ContentPayload) (*NormalizedMessage, error) {
	var flags, expireTimer uint32
	if raw.Flags != nil {
		flags = *raw.Flags
	}
	if raw.ExpireTimer != nil {
		expireTimer = *raw.ExpireTimer
	}

	if flags != 0 && flags != FlagExpirationTimerUpdate {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownFlags, flags)
	}

	if len(raw.Attachments) > maxAttachments {
		return nil, fmt.Errorf("%w: got %d, max %d", ErrTooManyAttachments, len(raw.Attachments), maxAttachments)
	}

	n := &NormalizedMessage{
		Flags:       flags,
		ExpireTimer: expireTimer,
		Body:        raw.Body,
		ProfileKey:  raw.ProfileKey,
		SyncTarget:  raw.SyncTarget,
	}

	if flags&FlagExpirationTimerUpdate != 0 {
		n.Body = ""
	} else {
		n.Attachments = make([]*Attachment, 0, len(raw.Attachments))
		for _, a := range raw.Attachments {
			n.Attachments = append(n.Attachments, encodeAttachment(a))
		}
	}

	n.Timestamp = env.Timestamp
	if raw.Timestamp != nil && *raw.Timestamp != 0 {
		n.Timestamp = *raw.Timestamp
	}

	if raw.Quote != nil {
		id, err := raw.Quote.ID.Int64()
		if err != nil || id < 0 {
			id = 0
		}
		n.Quote = &Quote{
			ID:     uint64(id),
			Author: raw.Quote.Author,
			Text:   raw.Quote.Text,
		}
		if raw.Quote.Thumb != nil {
			n.Quote.Thumb = encodeAttachment(raw.Quote.Thumb)
		}
	}

	for _, p := range raw.Previews {
		preview := &Preview{URL: p.URL, Title: p.Title}
		if p.Image != nil {
			preview.Image = encodeAttachment(p.Image)
		}
		n.Previews = append(n.Previews, preview)
	}

	if raw.Group != nil {
		n.Group = &GroupUpdate{
			ID:      raw.Group.ID,
			Type:    raw.Group.Type,
			Name:    raw.Group.Name,
			Members: raw.Group.Members,
			Admins:  raw.Group.Admins,
		}
		if raw.Group.Type == GroupUpdateTypeAvatarChange && raw.Group.Avatar != nil {
			n.Group.Avatar = encodeAttachment(raw.Group.Avatar)
		}
	}

	if raw.Profile != nil {
		n.Profile = &Profile{
			DisplayName:   raw.Profile.DisplayName,
			AvatarPointer: raw.Profile.AvatarPointer,
		}
	}

	if raw.OpenGroupInvitation != nil {
		n.OpenGroupInvitation = &OpenGroupInvitation{
			URL:  raw.OpenGroupInvitation.URL,
			Name: raw.OpenGroupInvitation.Name,
		}
	}

	return n, nil
}

// encodeAttachment converts binary key and digest fields to base64. Absent
// fields stay absent.
func encodeAttachment(a *RawAttachment) *Attachment {
	enc := &Attachment{
		ID:          a.ID,
		ContentType: a.ContentType,
		FileName:    a.FileName,
		URL:         a.URL,
		Size:        a.Size,
	}
	if len(a.Key) > 0 {
		enc.Key = base64.StdEncoding.EncodeToString(a.Key)
	}
	if len(a.Digest) > 0 {
		enc.Digest = base64.StdEncoding.EncodeToString(a.Digest)
	}
	return enc
}
