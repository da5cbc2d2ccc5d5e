package ingest

import (
	crypto_rand "crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/sandakersmann/session-core/internal/db"
	"github.com/sandakersmann/session-core/migration"
)

type conversationRow struct {
	ID            string `db:"id"`
	Kind          int    `db:"kind"`
	DisplayName   string `db:"display_name"`
	AvatarPointer string `db:"avatar_pointer"`
	AvatarPath    string `db:"avatar_path"`
	ProfileKey    []byte `db:"profile_key"`
	ExpireTimer   uint32 `db:"expire_timer"`
	ActiveAt      uint64 `db:"active_at"`
	UnreadCount   uint   `db:"unread_count"`
}

type messageRow struct {
	ID              []byte `db:"id"`
	ConversationID  string `db:"conversation_id"`
	Sender          string `db:"sender"`
	SentAt          uint64 `db:"sent_at"`
	ServerTimestamp uint64 `db:"server_timestamp"`
	ReceivedAt      uint64 `db:"received_at"`
	Body            string `db:"body"`
	Flags           uint32 `db:"flags"`
	ExpireTimer     uint32 `db:"expire_timer"`
	FromUs          bool   `db:"from_us"`
	Attachments     []byte `db:"attachments"`
	Quote           []byte `db:"quote"`
	Previews        []byte `db:"previews"`
	Invitation      []byte `db:"invitation"`
}

type pendingEnvelope struct {
	Hash            string `db:"hash"`
	Source          string `db:"source"`
	SenderIdentity  string `db:"sender_identity"`
	Timestamp       uint64 `db:"timestamp"`
	ServerTimestamp uint64 `db:"server_timestamp"`
	Payload         []byte `db:"payload"`
	Attempts        int    `db:"attempts"`
	CtimeMs         uint64 `db:"ctime_ms"`
}

func (p *pendingEnvelope) envelope() *Envelope {
	return &Envelope{
		Source:          p.Source,
		SenderIdentity:  p.SenderIdentity,
		Timestamp:       p.Timestamp,
		ServerTimestamp: p.ServerTimestamp,
		Hash:            p.Hash,
	}
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_ingest", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _conversations (
						id TEXT PRIMARY KEY,
						kind INTEGER NOT NULL,
						display_name TEXT NOT NULL DEFAULT '',
						avatar_pointer TEXT NOT NULL DEFAULT '',
						avatar_path TEXT NOT NULL DEFAULT '',
						profile_key BLOB,
						expire_timer INTEGER NOT NULL DEFAULT 0,
						active_at INTEGER NOT NULL DEFAULT 0,
						unread_count INTEGER NOT NULL DEFAULT 0
					);

					CREATE TABLE _messages (
						id BLOB PRIMARY KEY,
						conversation_id TEXT NOT NULL,
						sender TEXT NOT NULL,
						sent_at INTEGER NOT NULL,
						server_timestamp INTEGER NOT NULL DEFAULT 0,
						received_at INTEGER NOT NULL,
						body TEXT NOT NULL DEFAULT '',
						flags INTEGER NOT NULL DEFAULT 0,
						expire_timer INTEGER NOT NULL DEFAULT 0,
						from_us INTEGER NOT NULL DEFAULT 0,
						attachments BLOB,
						quote BLOB,
						previews BLOB,
						invitation BLOB,
						FOREIGN KEY(conversation_id) REFERENCES _conversations(id) ON DELETE CASCADE
					);
					CREATE INDEX messages_sender_sent_at on _messages (sender, sent_at);
					CREATE INDEX messages_sender_server_ts on _messages (sender, server_timestamp);
					CREATE INDEX messages_conversation_id on _messages (conversation_id, received_at);

					CREATE TABLE _pending_envelopes (
						hash TEXT PRIMARY KEY,
						source TEXT NOT NULL,
						sender_identity TEXT NOT NULL DEFAULT '',
						timestamp INTEGER NOT NULL,
						server_timestamp INTEGER NOT NULL DEFAULT 0,
						payload BLOB NOT NULL,
						attempts INTEGER NOT NULL DEFAULT 0,
						ctime_ms INTEGER NOT NULL
					);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("ingest: error making database: %w", err)
	}
	return d, nil
}

func newMessageID() []byte {
	id := make([]byte, 16)
	if _, err := io.ReadFull(crypto_rand.Reader, id); err != nil {
		panic("short read from random source")
	}
	return id
}

func (db *database) conversation(id string) (*conversationRow, error) {
	c := &conversationRow{}
	if err := db.Tx.Get(c, "SELECT * FROM _conversations WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("ingest: error getting conversation: %w", err)
	}
	return c, nil
}

// getOrCreateConversation returns the conversation for id, creating it with
// the given kind if it does not exist yet. The second return value reports
// whether a row was created.
func (db *database) getOrCreateConversation(id string, kind int) (*conversationRow, bool, error) {
	c := &conversationRow{}
	err := db.Tx.Get(c, "SELECT * FROM _conversations WHERE id = $1", id)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("ingest: error getting conversation: %w", err)
	}
	c = &conversationRow{ID: id, Kind: kind}
	if _, err := db.Tx.NamedExec("INSERT INTO _conversations (id, kind, display_name, avatar_pointer, avatar_path, profile_key, expire_timer, active_at, unread_count) VALUES (:id, :kind, :display_name, :avatar_pointer, :avatar_path, :profile_key, :expire_timer, :active_at, :unread_count)", c); err != nil {
		return nil, false, fmt.Errorf("ingest: error creating conversation: %w", err)
	}
	return c, true, nil
}

func (db *database) upsertConversation(c *conversationRow) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _conversations (id, kind, display_name, avatar_pointer, avatar_path, profile_key, expire_timer, active_at, unread_count) VALUES (:id, :kind, :display_name, :avatar_pointer, :avatar_path, :profile_key, :expire_timer, :active_at, :unread_count) ON CONFLICT(id) DO UPDATE SET display_name = :display_name, avatar_pointer = :avatar_pointer, avatar_path = :avatar_path, profile_key = :profile_key, expire_timer = :expire_timer, active_at = :active_at, unread_count = :unread_count", c); err != nil {
		return fmt.Errorf("ingest: error upserting conversation: %w", err)
	}
	return nil
}

func (db *database) insertMessage(m *messageRow) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _messages (id, conversation_id, sender, sent_at, server_timestamp, received_at, body, flags, expire_timer, from_us, attachments, quote, previews, invitation) VALUES (:id, :conversation_id, :sender, :sent_at, :server_timestamp, :received_at, :body, :flags, :expire_timer, :from_us, :attachments, :quote, :previews, :invitation)", m); err != nil {
		return fmt.Errorf("ingest: error inserting message: %w", err)
	}
	return nil
}

func (db *database) messageExists(sender string, sentAt uint64) (bool, error) {
	counter := &struct {
		Count uint `db:"message_count"`
	}{}
	if err := db.Tx.Get(counter, "SELECT count(*) as message_count FROM _messages WHERE sender = $1 AND sent_at = $2", sender, sentAt); err != nil {
		return false, fmt.Errorf("ingest: error looking up message by sent_at: %w", err)
	}
	return counter.Count != 0, nil
}

func (db *database) messageExistsOpenGroup(sender string, serverTimestamp uint64) (bool, error) {
	counter := &struct {
		Count uint `db:"message_count"`
	}{}
	if err := db.Tx.Get(counter, "SELECT count(*) as message_count FROM _messages WHERE sender = $1 AND server_timestamp = $2", sender, serverTimestamp); err != nil {
		return false, fmt.Errorf("ingest: error looking up message by server_timestamp: %w", err)
	}
	return counter.Count != 0, nil
}

func (db *database) messagesForConversation(id string) ([]*messageRow, error) {
	messages := []*messageRow{}
	if err := db.Tx.Select(&messages, "SELECT * FROM _messages WHERE conversation_id = $1 ORDER BY received_at, sent_at", id); err != nil {
		return nil, fmt.Errorf("ingest: error getting messages: %w", err)
	}
	return messages, nil
}

func (db *database) bumpConversationActivity(id string, activeAt uint64, unreadDelta uint) error {
	if _, err := db.Tx.Exec("UPDATE _conversations SET active_at = max(active_at, $1), unread_count = unread_count + $2 WHERE id = $3", activeAt, unreadDelta, id); err != nil {
		return fmt.Errorf("ingest: error bumping conversation activity: %w", err)
	}
	return nil
}

func (db *database) setConversationExpireTimer(id string, timer uint32) error {
	if _, err := db.Tx.Exec("UPDATE _conversations SET expire_timer = $1 WHERE id = $2", timer, id); err != nil {
		return fmt.Errorf("ingest: error setting conversation expire timer: %w", err)
	}
	return nil
}

func (db *database) upsertPendingEnvelope(p *pendingEnvelope) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _pending_envelopes (hash, source, sender_identity, timestamp, server_timestamp, payload, attempts, ctime_ms) VALUES (:hash, :source, :sender_identity, :timestamp, :server_timestamp, :payload, :attempts, :ctime_ms) ON CONFLICT(hash) DO UPDATE SET attempts = :attempts", p); err != nil {
		return fmt.Errorf("ingest: error upserting pending envelope: %w", err)
	}
	return nil
}

// deletePendingEnvelope is idempotent; deleting an already-evicted envelope
// is a no-op.
func (db *database) deletePendingEnvelope(hash string) error {
	if _, err := db.Tx.Exec("DELETE FROM _pending_envelopes WHERE hash = $1", hash); err != nil {
		return fmt.Errorf("ingest: error deleting pending envelope: %w", err)
	}
	return nil
}

func (db *database) pendingEnvelopes() ([]*pendingEnvelope, error) {
	pending := []*pendingEnvelope{}
	if err := db.Tx.Select(&pending, "SELECT * FROM _pending_envelopes ORDER BY ctime_ms"); err != nil {
		return nil, fmt.Errorf("ingest: error getting pending envelopes: %w", err)
	}
	return pending, nil
}
