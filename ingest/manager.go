package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sandakersmann/session-core/attachments"
	"github.com/sandakersmann/session-core/clock"
	"github.com/sandakersmann/session-core/config"
	"github.com/sandakersmann/session-core/crypto"
	"github.com/sandakersmann/session-core/internal/db"
	"github.com/sandakersmann/session-core/pubkey"
	"go.uber.org/zap"
)

type (
	// GroupControlHandler receives group membership and key rotation payloads.
	// Implemented outside this package.
	GroupControlHandler func(env *Envelope, update *GroupUpdate) error
	UpdateChannel       chan interface{}
)

// Manager is the admission orchestrator. One envelope moves through
// normalization, group control routing, identity resolution, the short-circuit
// drop checks, a fire-and-forget profile kick and finally a serialized
// per-conversation persistence job. Every terminal outcome ends with the
// envelope evicted from the pending cache; eviction is what tells the
// transport no further retries are needed.
type Manager struct {
	config       *config.Config
	db           *database
	log          *zap.SugaredLogger
	clock        clock.Clock
	queue        *JobQueue
	profiles     *ProfileSync
	detector     *detector
	attach       *attachments.Pipeline
	groupControl GroupControlHandler
	localID      string
	metrics      *metrics
	updates      UpdateChannel
	finished     sync.WaitGroup
}

func NewManager(c *config.Config, internalDB *db.Database, localID string, att *attachments.Pipeline, gc GroupControlHandler, cl clock.Clock, reg prometheus.Registerer) (*Manager, error) {
	log := c.Logger("ingest/manager")
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, fmt.Errorf("ingest: error making manager: %w", err)
	}

	m := &Manager{
		config:       c,
		db:           d,
		log:          log,
		clock:        cl,
		attach:       att,
		groupControl: gc,
		localID:      pubkey.Strip(localID),
		metrics:      newMetrics(reg),
		updates:      make(UpdateChannel, 100),
	}
	m.queue = NewJobQueue(log)
	m.detector = &detector{db: d, log: log}
	m.profiles = newProfileSync(log, d, att, m.metrics, m.pushUpdate)
	return m, nil
}

// Start re-admits envelopes left in the pending cache by a previous run.
// Envelopes past the retry limit are discarded.
func (m *Manager) Start() error {
	var retry []*pendingEnvelope
	if err := m.db.Run("loading pending envelopes", func() error {
		pending, err := m.db.pendingEnvelopes()
		if err != nil {
			return err
		}
		for _, p := range pending {
			p.Attempts++
			if p.Attempts > m.config.PendingRetryLimit {
				m.log.Warnf("dropping envelope %s after %d attempts", p.Hash, p.Attempts-1)
				m.metrics.drop(ReasonInvalid)
				if err := m.db.deletePendingEnvelope(p.Hash); err != nil {
					return err
				}
				continue
			}
			if err := m.db.upsertPendingEnvelope(p); err != nil {
				return err
			}
			retry = append(retry, p)
		}
		return nil
	}); err != nil {
		return err
	}

	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		for _, p := range retry {
			payload := &ContentPayload{}
			if err := json.Unmarshal(p.Payload, payload); err != nil {
				m.log.Warnf("discarding pending envelope %s with undecodable payload: %v", p.Hash, err)
				m.evict(p.envelope())
				continue
			}
			if err := m.admit(p.envelope(), payload); err != nil {
				m.log.Warnf("error re-admitting envelope %s: %v", p.Hash, err)
			}
		}
	}()
	return nil
}

// Shutdown waits for all submitted jobs, profile updates and attachment
// downloads to finish.
func (m *Manager) Shutdown() error {
	m.queue.Wait()
	m.profiles.Wait()
	m.finished.Wait()
	return nil
}

// Updates yields *MessageAdded, *ConversationUpdated and *ProfileUpdated
// events as admission work commits.
func (m *Manager) Updates() UpdateChannel {
	return m.updates
}

// Profiles exposes the profile sync coordinator for callers that apply
// profile state outside message admission.
func (m *Manager) Profiles() *ProfileSync {
	return m.profiles
}

// ProcessIncomingEnvelope records the envelope in the pending cache and runs
// it through the pipeline, blocking until it reaches a terminal state.
// Message-fatal conditions are resolved internally; an error return means the
// store itself failed and the envelope stays cached for redelivery.
func (m *Manager) ProcessIncomingEnvelope(env *Envelope, payload *ContentPayload) error {
	m.log.Infof("processing incoming envelope from %s ts=%d", env.Source, env.Timestamp)
	if env.Hash == "" {
		env.Hash = fmt.Sprintf("%s-%d", env.Source, env.Timestamp)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ingest: error encoding payload: %w", err)
	}
	if err := m.db.Run("recording pending envelope", func() error {
		return m.db.upsertPendingEnvelope(&pendingEnvelope{
			Hash:            env.Hash,
			Source:          env.Source,
			SenderIdentity:  env.SenderIdentity,
			Timestamp:       env.Timestamp,
			ServerTimestamp: env.ServerTimestamp,
			Payload:         body,
			CtimeMs:         m.clock.CurrentTimeMs(),
		})
	}); err != nil {
		return err
	}

	return m.admit(env, payload)
}

func (m *Manager) admit(env *Envelope, payload *ContentPayload) error {
	norm, err := normalizeContent(m.config.MaxAttachments, env, payload)
	if err != nil {
		// both validation failures are fatal to the message and end with the
		// envelope evicted exactly once
		m.log.Warnf("dropping invalid message from %s: %v", env.Source, err)
		m.metrics.drop(ReasonInvalid)
		m.evict(env)
		return nil
	}

	if norm.Group != nil {
		m.metrics.groupControl.Inc()
		if m.groupControl != nil {
			if err := m.groupControl(env, norm.Group); err != nil {
				m.log.Warnf("group control handler failed for %s: %v", env.Source, err)
			}
		}
		m.evict(env)
		return nil
	}

	res, err := resolveConversation(m.localID, env, norm)
	if err != nil {
		if reason, ok := dropped(err); ok {
			if reason == ReasonUnresolvable {
				m.log.Errorf("no conversation resolvable for envelope %s", env.Hash)
			} else {
				m.log.Warnf("dropping message from %s: %s", env.Source, reason)
			}
			m.metrics.drop(reason)
			m.evict(env)
			return nil
		}
		return err
	}

	if norm.empty() {
		m.log.Debugf("dropping empty message from %s", res.senderID)
		m.metrics.drop(ReasonEmpty)
		m.evict(env)
		return nil
	}

	if norm.Profile != nil {
		m.profiles.UpdateAsync(context.Background(), res.senderID, norm.Profile, norm.ProfileKey)
	}

	// cheap check before taking a lane slot; the authoritative one runs
	// inside the serialized job
	var dup bool
	if err := m.db.RunReadOnly("checking duplicate", func() error {
		dup = m.detector.isDuplicate(env, res.senderID, norm.Timestamp)
		return nil
	}); err != nil {
		return err
	}
	if dup {
		m.metrics.duplicates.Inc()
		m.evict(env)
		return nil
	}

	rec, err := m.buildRecord(env, norm, res)
	if err != nil {
		return err
	}
	return <-m.queue.Enqueue(res.conversationID, func() error {
		return m.persistJob(env, norm, res, rec)
	})
}

func (m *Manager) buildRecord(env *Envelope, norm *NormalizedMessage, res *resolution) (*messageRow, error) {
	rec := &messageRow{
		ID:              newMessageID(),
		ConversationID:  res.conversationID,
		Sender:          res.senderID,
		SentAt:          norm.Timestamp,
		ServerTimestamp: env.ServerTimestamp,
		ReceivedAt:      m.clock.CurrentTimeMs(),
		Body:            norm.Body,
		Flags:           norm.Flags,
		ExpireTimer:     norm.ExpireTimer,
		FromUs:          res.fromMe,
	}
	var err error
	if len(norm.Attachments) != 0 {
		if rec.Attachments, err = json.Marshal(norm.Attachments); err != nil {
			return nil, fmt.Errorf("ingest: error encoding attachments: %w", err)
		}
	}
	if norm.Quote != nil {
		if rec.Quote, err = json.Marshal(norm.Quote); err != nil {
			return nil, fmt.Errorf("ingest: error encoding quote: %w", err)
		}
	}
	if len(norm.Previews) != 0 {
		if rec.Previews, err = json.Marshal(norm.Previews); err != nil {
			return nil, fmt.Errorf("ingest: error encoding previews: %w", err)
		}
	}
	if norm.OpenGroupInvitation != nil {
		if rec.Invitation, err = json.Marshal(norm.OpenGroupInvitation); err != nil {
			return nil, fmt.Errorf("ingest: error encoding invitation: %w", err)
		}
	}
	return rec, nil
}

// persistJob runs inside the conversation's lane. It closes the duplicate
// race window, writes the record and its conversation bookkeeping, then
// evicts the envelope. A store failure leaves the envelope cached; the
// transport decides whether to redeliver.
func (m *Manager) persistJob(env *Envelope, norm *NormalizedMessage, res *resolution, rec *messageRow) error {
	dup := false
	if err := m.db.Run("persisting message", func() error {
		if m.detector.isDuplicate(env, res.senderID, norm.Timestamp) {
			dup = true
			return nil
		}
		if _, _, err := m.db.getOrCreateConversation(res.conversationID, res.kind); err != nil {
			return err
		}
		if norm.Flags&FlagExpirationTimerUpdate != 0 {
			if err := m.db.setConversationExpireTimer(res.conversationID, norm.ExpireTimer); err != nil {
				return err
			}
		}
		if err := m.db.insertMessage(rec); err != nil {
			return err
		}
		var unread uint
		if !res.fromMe {
			unread = 1
		}
		if err := m.db.bumpConversationActivity(res.conversationID, rec.ReceivedAt, unread); err != nil {
			return err
		}
		m.db.AfterCommit(func() {
			m.metrics.persisted.Inc()
			m.pushUpdate(&MessageAdded{
				MessageID:      rec.ID,
				ConversationID: rec.ConversationID,
				Sender:         rec.Sender,
				SentAt:         rec.SentAt,
				FromUs:         rec.FromUs,
			})
			m.pushUpdate(&ConversationUpdated{ConversationID: rec.ConversationID})
		})
		return nil
	}); err != nil {
		m.log.Errorf("error persisting message for %s: %v", res.conversationID, err)
		return err
	}

	if dup {
		m.metrics.duplicates.Inc()
	} else {
		m.downloadAttachments(norm)
	}
	m.evict(env)
	return nil
}

// downloadAttachments kicks fire-and-forget downloads for every attachment
// carrying a pointer. Failures degrade to logging; message delivery is
// already complete.
func (m *Manager) downloadAttachments(norm *NormalizedMessage) {
	if m.attach == nil {
		return
	}
	for _, a := range norm.Attachments {
		if a.URL == "" || a.Key == "" {
			continue
		}
		key, err := base64.StdEncoding.DecodeString(a.Key)
		if err != nil || len(key) != crypto.KeySize {
			m.log.Warnf("skipping attachment %s with malformed key", a.URL)
			continue
		}
		a := a
		m.finished.Add(1)
		go func() {
			defer m.finished.Done()
			if _, err := m.attach.FetchStored(context.Background(), a.URL, crypto.SliceToKey(key)); err != nil {
				m.log.Warnf("attachment download for %s failed: %v", a.URL, err)
			}
		}()
	}
}

// evict removes the envelope from the pending cache. Terminal states all
// converge here; evicting twice is harmless.
func (m *Manager) evict(env *Envelope) {
	if err := m.db.Run("evicting envelope", func() error {
		return m.db.deletePendingEnvelope(env.Hash)
	}); err != nil {
		m.log.Warnf("error evicting envelope %s: %v", env.Hash, err)
	}
}

func (m *Manager) pushUpdate(u interface{}) {
	m.updates <- u
}
