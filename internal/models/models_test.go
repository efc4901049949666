package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to CallStatus
		want     bool
	}{
		{CallStatusRinging, CallStatusAnswered, true},
		{CallStatusRinging, CallStatusRejected, true},
		{CallStatusRinging, CallStatusEnded, true},
		{CallStatusAnswered, CallStatusEnded, true},
		{CallStatusAnswered, CallStatusRinging, false},
		{CallStatusAnswered, CallStatusRejected, false},
		{CallStatusRejected, CallStatusEnded, false},
		{CallStatusEnded, CallStatusAnswered, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestAllRejected(t *testing.T) {
	rec := CallRecord{Recipients: []string{"bob", "carol"}}
	assert.False(t, rec.AllRejected())

	rec.RejectedBy = []string{"bob"}
	assert.False(t, rec.AllRejected())
	assert.True(t, rec.HasRejected("bob"))

	rec.RejectedBy = append(rec.RejectedBy, "carol")
	assert.True(t, rec.AllRejected())

	assert.False(t, (&CallRecord{}).AllRejected())
}

func TestCloneDoesNotAlias(t *testing.T) {
	rec := CallRecord{Recipients: []string{"bob"}}
	cp := rec.Clone()
	cp.Recipients[0] = "mallory"
	assert.Equal(t, "bob", rec.Recipients[0])
}

func TestSignalingMessageWireFormat(t *testing.T) {
	data, err := EncodeMessage(SignalingMessage{Kind: KindCandidate, Sender: "alice", Payload: "cand", Sequence: "7"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"candidate","from":"alice","data":"cand"}`, string(data))

	msg, err := DecodeMessage([]byte(`{"type":"offer","from":"bob","data":"sdp"}`))
	require.NoError(t, err)
	assert.Equal(t, KindOffer, msg.Kind)
	assert.Equal(t, "bob", msg.Sender)
}

func TestDecodeMessage_Invalid(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"type":"hangup","from":"bob","data":"x"}`,
		`{"type":"offer","data":"x"}`,
		`{"type":"answer","from":"bob"}`,
	} {
		_, err := DecodeMessage([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidMessage, raw)
	}

	_, err := EncodeMessage(SignalingMessage{Kind: SignalKind(9), Sender: "a", Payload: "b"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestSignalKind(t *testing.T) {
	assert.True(t, KindOffer.Singleton())
	assert.True(t, KindAnswer.Singleton())
	assert.False(t, KindCandidate.Singleton())

	k, err := ParseSignalKind("answer")
	require.NoError(t, err)
	assert.Equal(t, KindAnswer, k)
	assert.Equal(t, "answer", k.String())
}
