package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/webrtc-calls/internal/channel"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T, ttl time.Duration) (*Channel, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewChannel(client, "test_calls", ttl, zerolog.Nop()), mr
}

func nextEvent(t *testing.T, sub *channel.Subscription) channel.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return channel.Event{}
}

func TestKeysAreNamespaced(t *testing.T) {
	c := NewChannel(nil, "panic_calls", 0, zerolog.Nop())

	assert.Equal(t, "panic_calls:calls/c1", c.valueKey("calls/c1"))
	assert.Equal(t, "panic_calls:notify:calls/c1", c.topic("calls/c1"))
	assert.Equal(t, "panic_calls:children:calls/c1/signaling/candidates", c.streamKey("calls/c1/signaling/candidates"))
}

func TestChildValueDecoding(t *testing.T) {
	assert.Equal(t, []byte("x"), childValue("x"))
	assert.Equal(t, []byte("y"), childValue([]byte("y")))
	assert.Nil(t, childValue(42))
}

func TestUnavailableWrapsTransportErrors(t *testing.T) {
	err := unavailable(context.Background(), "write k", errors.New("connection refused"))
	assert.ErrorIs(t, err, models.ErrChannelUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestUnavailablePrefersContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := unavailable(ctx, "read k", errors.New("i/o timeout"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, models.ErrChannelUnavailable)
}

func TestWriteAndReadValue(t *testing.T) {
	c, mr := newTestChannel(t, time.Hour)
	ctx := context.Background()

	_, err := c.ReadOnce(ctx, "calls/c1")
	assert.ErrorIs(t, err, channel.ErrNotFound)

	require.NoError(t, c.WriteValue(ctx, "calls/c1", []byte("v1")))
	got, err := c.ReadOnce(ctx, "calls/c1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
	assert.Equal(t, time.Hour, mr.TTL(c.valueKey("calls/c1")))
}

func TestUpdateValue_RetriesAfterConcurrentWrite(t *testing.T) {
	c, mr := newTestChannel(t, 0)
	ctx := context.Background()
	require.NoError(t, c.WriteValue(ctx, "calls/c1", []byte("v1")))

	var seen []string
	stored, err := c.UpdateValue(ctx, "calls/c1", func(cur []byte) ([]byte, error) {
		seen = append(seen, string(cur))
		if len(seen) == 1 {
			// lands between WATCH and EXEC
			require.NoError(t, mr.Set(c.valueKey("calls/c1"), "v2"))
		}
		return append(cur, '+'), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, seen)
	assert.Equal(t, []byte("v2+"), stored)

	got, err := c.ReadOnce(ctx, "calls/c1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2+"), got)
}

func TestUpdateValue_AbortLeavesValue(t *testing.T) {
	c, _ := newTestChannel(t, 0)
	ctx := context.Background()
	require.NoError(t, c.WriteValue(ctx, "calls/c1", []byte("v1")))

	sub, err := c.SubscribeValue(ctx, "calls/c1")
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, []byte("v1"), nextEvent(t, sub).Value)

	stored, err := c.UpdateValue(ctx, "calls/c1", func([]byte) ([]byte, error) {
		return nil, channel.ErrAbort
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), stored)

	select {
	case ev := <-sub.C:
		t.Fatalf("aborted update published %q", ev.Value)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUpdateValue_FuncErrorReturned(t *testing.T) {
	c, mr := newTestChannel(t, 0)
	ctx := context.Background()
	require.NoError(t, c.WriteValue(ctx, "calls/c1", []byte("v1")))

	errBoom := errors.New("boom")
	attempts := 0
	_, err := c.UpdateValue(ctx, "calls/c1", func(cur []byte) ([]byte, error) {
		attempts++
		if attempts == 1 {
			require.NoError(t, mr.Set(c.valueKey("calls/c1"), "v2"))
			return []byte("lost"), nil
		}
		return nil, errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 2, attempts)

	got, err := c.ReadOnce(ctx, "calls/c1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestUpdateValue_MissingKeyStartsEmpty(t *testing.T) {
	c, _ := newTestChannel(t, 0)

	stored, err := c.UpdateValue(context.Background(), "calls/new", func(cur []byte) ([]byte, error) {
		assert.Nil(t, cur)
		return []byte("created"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("created"), stored)
}

func TestSubscribeValue_ReplaysCurrentThenFollows(t *testing.T) {
	c, _ := newTestChannel(t, 0)
	ctx := context.Background()
	require.NoError(t, c.WriteValue(ctx, "calls/c1", []byte("v1")))

	sub, err := c.SubscribeValue(ctx, "calls/c1")
	require.NoError(t, err)
	defer sub.Close()

	ev := nextEvent(t, sub)
	assert.Equal(t, channel.EventValue, ev.Kind)
	assert.Equal(t, []byte("v1"), ev.Value)

	require.NoError(t, c.WriteValue(ctx, "calls/c1", []byte("v2")))
	_, err = c.UpdateValue(ctx, "calls/c1", func(cur []byte) ([]byte, error) {
		return append(cur, '+'), nil
	})
	require.NoError(t, err)

	assert.Equal(t, []byte("v2"), nextEvent(t, sub).Value)
	assert.Equal(t, []byte("v2+"), nextEvent(t, sub).Value)
}

func TestSubscribeChildren_OrderedFromStart(t *testing.T) {
	c, _ := newTestChannel(t, 0)
	ctx := context.Background()

	k1, err := c.AppendChild(ctx, "calls/c1/candidates", []byte("a"))
	require.NoError(t, err)
	_, err = c.AppendChild(ctx, "calls/c1/candidates", []byte("b"))
	require.NoError(t, err)

	sub, err := c.SubscribeChildren(ctx, "calls/c1/candidates")
	require.NoError(t, err)
	defer sub.Close()

	first := nextEvent(t, sub)
	assert.Equal(t, channel.EventChildAdded, first.Kind)
	assert.Equal(t, k1, first.Key)
	assert.Equal(t, []byte("a"), first.Value)
	assert.Equal(t, []byte("b"), nextEvent(t, sub).Value)

	_, err = c.AppendChild(ctx, "calls/c1/candidates", []byte("c"))
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), nextEvent(t, sub).Value)
}

func TestAppendChild_TrimsEntriesOutsideTTL(t *testing.T) {
	c, mr := newTestChannel(t, time.Minute)
	ctx := context.Background()
	key := c.streamKey("announcements")

	_, err := mr.XAdd(key, "1-0", []string{childValueField, "stale"})
	require.NoError(t, err)
	_, err = c.AppendChild(ctx, "announcements", []byte("fresh"))
	require.NoError(t, err)

	entries, err := mr.Stream(key)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{childValueField, "fresh"}, entries[0].Values)
}

func TestServerDown_IsUnavailable(t *testing.T) {
	c, mr := newTestChannel(t, 0)
	mr.Close()

	err := c.WriteValue(context.Background(), "calls/c1", []byte("v1"))
	assert.ErrorIs(t, err, models.ErrChannelUnavailable)
	_, err = c.SubscribeChildren(context.Background(), "announcements")
	assert.ErrorIs(t, err, models.ErrChannelUnavailable)
}
