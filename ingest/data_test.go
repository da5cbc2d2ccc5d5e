package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDatabaseGetOrCreateConversation(t *testing.T) {
	m := newTestManager(t, nil, nil)

	require.NoError(t, m.db.Run("creating conversation", func() error {
		c, created, err := m.db.getOrCreateConversation(testKeyA, KindGroup)
		require.NoError(t, err)
		require.True(t, created)
		require.Equal(t, KindGroup, c.Kind)

		c, created, err = m.db.getOrCreateConversation(testKeyA, KindPrivate)
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, KindGroup, c.Kind)
		return nil
	}))
}

func TestDatabaseActivityBump(t *testing.T) {
	m := newTestManager(t, nil, nil)

	require.NoError(t, m.db.Run("bumping activity", func() error {
		if _, _, err := m.db.getOrCreateConversation(testKeyA, KindPrivate); err != nil {
			return err
		}
		if err := m.db.bumpConversationActivity(testKeyA, 100, 1); err != nil {
			return err
		}
		// out of order arrival never moves activity backwards
		return m.db.bumpConversationActivity(testKeyA, 50, 1)
	}))

	conv := getConversation(t, m, testKeyA)
	require.Equal(t, uint64(100), conv.ActiveAt)
	require.Equal(t, uint(2), conv.UnreadCount)
}

func TestDatabaseMessageDuplicateKeys(t *testing.T) {
	m := newTestManager(t, nil, nil)

	require.NoError(t, m.db.Run("inserting message", func() error {
		if _, _, err := m.db.getOrCreateConversation(testKeyA, KindPrivate); err != nil {
			return err
		}
		return m.db.insertMessage(&messageRow{
			ID:              newMessageID(),
			ConversationID:  testKeyA,
			Sender:          testKeyB,
			SentAt:          1000,
			ServerTimestamp: 5000,
			ReceivedAt:      1,
		})
	}))

	require.NoError(t, m.db.RunReadOnly("checking duplicate keys", func() error {
		exists, err := m.db.messageExists(testKeyB, 1000)
		require.NoError(t, err)
		require.True(t, exists)

		exists, err = m.db.messageExists(testKeyB, 1001)
		require.NoError(t, err)
		require.False(t, exists)

		exists, err = m.db.messageExistsOpenGroup(testKeyB, 5000)
		require.NoError(t, err)
		require.True(t, exists)

		exists, err = m.db.messageExistsOpenGroup(testKeyA, 5000)
		require.NoError(t, err)
		require.False(t, exists)
		return nil
	}))
}

func TestDatabasePendingEnvelopeAttempts(t *testing.T) {
	m := newTestManager(t, nil, nil)

	p := &pendingEnvelope{Hash: "h1", Source: "05" + testKeyA, Timestamp: 1000, Payload: []byte("{}"), CtimeMs: 1}
	require.NoError(t, m.db.Run("recording envelope", func() error {
		return m.db.upsertPendingEnvelope(p)
	}))

	p.Attempts = 2
	require.NoError(t, m.db.Run("bumping attempts", func() error {
		return m.db.upsertPendingEnvelope(p)
	}))

	require.NoError(t, m.db.RunReadOnly("reading pending", func() error {
		pending, err := m.db.pendingEnvelopes()
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, 2, pending[0].Attempts)
		require.Equal(t, []byte("{}"), pending[0].Payload)
		return nil
	}))

	require.NoError(t, m.db.Run("deleting pending", func() error {
		if err := m.db.deletePendingEnvelope("h1"); err != nil {
			return err
		}
		// deleting an evicted envelope is a no-op
		return m.db.deletePendingEnvelope("h1")
	}))
	require.Equal(t, 0, countRows(t, m, "_pending_envelopes"))
}

func TestDetectorFailsOpen(t *testing.T) {
	m := newTestManager(t, nil, nil)
	require.NoError(t, m.db.Run("breaking the message table", func() error {
		_, err := m.db.Tx.Exec("DROP TABLE _messages")
		return err
	}))

	require.NoError(t, m.db.RunReadOnly("checking duplicate", func() error {
		env := &Envelope{Source: "05" + testKeyA, Timestamp: 1000}
		require.False(t, m.detector.isDuplicate(env, testKeyA, 1000))
		return nil
	}))
}
