package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testKeyA     = strings.Repeat("a1", 32)
	testKeyB     = strings.Repeat("b2", 32)
	testKeyLocal = strings.Repeat("0f", 32)
)

func TestResolvePrivateMessage(t *testing.T) {
	env := &Envelope{Source: "05" + testKeyA, Timestamp: 1000}
	res, err := resolveConversation(testKeyLocal, env, &NormalizedMessage{})
	require.NoError(t, err)
	require.Equal(t, testKeyA, res.conversationID)
	require.Equal(t, testKeyA, res.senderID)
	require.Equal(t, KindPrivate, res.kind)
	require.False(t, res.fromMe)
	require.False(t, res.selfSync)
}

func TestResolveGroupMessage(t *testing.T) {
	env := &Envelope{Source: "05" + testKeyB, SenderIdentity: "05" + testKeyA, Timestamp: 1000}
	res, err := resolveConversation(testKeyLocal, env, &NormalizedMessage{})
	require.NoError(t, err)
	require.Equal(t, testKeyB, res.conversationID)
	require.Equal(t, testKeyA, res.senderID)
	require.Equal(t, KindGroup, res.kind)
	require.False(t, res.fromMe)
}

func TestResolveSelfSentGroupMessage(t *testing.T) {
	env := &Envelope{Source: "05" + testKeyB, SenderIdentity: "05" + testKeyLocal, Timestamp: 1000}
	res, err := resolveConversation(testKeyLocal, env, &NormalizedMessage{})
	require.NoError(t, err)
	require.Equal(t, testKeyB, res.conversationID)
	require.True(t, res.fromMe)
}

func TestResolveSelfSync(t *testing.T) {
	env := &Envelope{Source: "05" + testKeyLocal, Timestamp: 1000}
	res, err := resolveConversation(testKeyLocal, env, &NormalizedMessage{SyncTarget: "05" + testKeyA})
	require.NoError(t, err)
	require.True(t, res.selfSync)
	require.True(t, res.fromMe)
	require.Equal(t, testKeyA, res.conversationID)
}

func TestResolveForeignSyncDropped(t *testing.T) {
	env := &Envelope{Source: "05" + testKeyA, Timestamp: 1000}
	_, err := resolveConversation(testKeyLocal, env, &NormalizedMessage{SyncTarget: testKeyB})
	require.Error(t, err)
	reason, ok := dropped(err)
	require.True(t, ok)
	require.Equal(t, ReasonForeignSync, reason)
}

func TestResolveUnresolvable(t *testing.T) {
	env := &Envelope{Timestamp: 1000}
	_, err := resolveConversation(testKeyLocal, env, &NormalizedMessage{})
	require.Error(t, err)
	reason, ok := dropped(err)
	require.True(t, ok)
	require.Equal(t, ReasonUnresolvable, reason)
}

func TestResolveStripsPrefix(t *testing.T) {
	env := &Envelope{Source: "05" + testKeyA, Timestamp: 1000}
	res, err := resolveConversation("05"+testKeyLocal, env, &NormalizedMessage{})
	require.NoError(t, err)
	require.Equal(t, testKeyA, res.conversationID)
}
