package ingest

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/sandakersmann/session-core/attachments"
	"github.com/sandakersmann/session-core/crypto"
	"github.com/sandakersmann/session-core/pubkey"
	"go.uber.org/zap"
)

// ProfileSync reconciles a peer's display name and avatar with the local
// conversation registry. Updates are single-flight per conversation id: a
// second caller for the same id waits for the first to finish, then runs with
// its own arguments. Avatar failure never blocks the display name update.
type ProfileSync struct {
	log      *zap.SugaredLogger
	db       *database
	avatars  *attachments.Pipeline
	metrics  *metrics
	notify   func(interface{})
	mu       sync.Mutex
	inflight map[string]*flightLock
	wg       sync.WaitGroup
}

type flightLock struct {
	mu   sync.Mutex
	refs int
}

func newProfileSync(log *zap.SugaredLogger, db *database, avatars *attachments.Pipeline, m *metrics, notify func(interface{})) *ProfileSync {
	return &ProfileSync{
		log:      log,
		db:       db,
		avatars:  avatars,
		metrics:  m,
		notify:   notify,
		inflight: make(map[string]*flightLock),
	}
}

// lockKey serializes callers for one conversation id without serializing
// distinct ids against each other.
func (p *ProfileSync) lockKey(id string) func() {
	p.mu.Lock()
	fl, ok := p.inflight[id]
	if !ok {
		fl = &flightLock{}
		p.inflight[id] = fl
	}
	fl.refs++
	p.mu.Unlock()

	fl.mu.Lock()
	return func() {
		fl.mu.Unlock()
		p.mu.Lock()
		fl.refs--
		if fl.refs == 0 {
			delete(p.inflight, id)
		}
		p.mu.Unlock()
	}
}

// UpdateAsync applies a profile update in the background. The result is
// observed only through logging and metrics; message admission never waits on
// it.
func (p *ProfileSync) UpdateAsync(ctx context.Context, conversationID string, profile *Profile, profileKey []byte) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.Update(ctx, conversationID, profile, profileKey); err != nil {
			p.log.Warnf("profile update for %s failed: %v", conversationID, err)
		}
	}()
}

// Update applies a profile update now. Fields absent from the update retain
// their stored values.
func (p *ProfileSync) Update(ctx context.Context, conversationID string, profile *Profile, profileKey []byte) error {
	conversationID = pubkey.Strip(conversationID)
	unlock := p.lockKey(conversationID)
	defer unlock()

	var storedPointer string
	if err := p.db.RunReadOnly("reading stored avatar pointer", func() error {
		c, err := p.db.conversation(conversationID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// not created yet, treated as a blank profile
				return nil
			}
			return err
		}
		storedPointer = c.AvatarPointer
		return nil
	}); err != nil {
		return err
	}

	// The avatar chain runs outside any transaction; only its outcome is
	// committed.
	var avatarPath string
	avatarFetched := false
	if profile.AvatarPointer != "" && profile.AvatarPointer != storedPointer && len(profileKey) == crypto.KeySize {
		path, err := p.avatars.FetchAvatar(ctx, profile.AvatarPointer, crypto.SliceToKey(profileKey))
		if err != nil {
			p.metrics.profileUpdates.WithLabelValues("avatar_failed").Inc()
			p.log.Warnf("avatar fetch for %s failed, keeping previous avatar: %v", conversationID, err)
		} else {
			avatarPath = path
			avatarFetched = true
		}
	}

	return p.db.Run("committing profile update", func() error {
		c, _, err := p.db.getOrCreateConversation(conversationID, KindPrivate)
		if err != nil {
			return err
		}
		if profile.DisplayName != "" {
			c.DisplayName = profile.DisplayName
		}
		switch {
		case avatarFetched:
			c.AvatarPointer = profile.AvatarPointer
			c.AvatarPath = avatarPath
			c.ProfileKey = profileKey
		case profile.AvatarPointer == "" && len(profileKey) > 0:
			// explicit removal signal
			c.AvatarPointer = ""
			c.AvatarPath = ""
			c.ProfileKey = nil
		}
		if err := p.db.upsertConversation(c); err != nil {
			return err
		}
		update := &ProfileUpdated{
			ConversationID: c.ID,
			DisplayName:    c.DisplayName,
			AvatarPath:     c.AvatarPath,
		}
		p.db.AfterCommit(func() {
			p.metrics.profileUpdates.WithLabelValues("committed").Inc()
			p.notify(update)
		})
		return nil
	})
}

// Wait blocks until all in-flight asynchronous updates have completed.
func (p *ProfileSync) Wait() {
	p.wg.Wait()
}
