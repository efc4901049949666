package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/channel"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	maxTxRetries    = 16
	streamBlock     = 5 * time.Second
	streamBatch     = 64
	retryBackoff    = 500 * time.Millisecond
	childValueField = "v"
	maxStreamLen    = 10000
)

// Channel is a signal channel on Redis. Values are plain keys with change
// notifications over pub/sub; children are streams so their ids give a
// server-assigned order.
type Channel struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

var _ channel.Channel = (*Channel)(nil)

// NewChannel wraps client. Every key written is namespaced under prefix and
// expires after ttl (zero keeps keys forever).
func NewChannel(client *redis.Client, prefix string, ttl time.Duration, log zerolog.Logger) *Channel {
	return &Channel{client: client, prefix: prefix, ttl: ttl, log: log}
}

func (c *Channel) valueKey(path string) string  { return c.prefix + ":" + path }
func (c *Channel) topic(path string) string     { return c.prefix + ":notify:" + path }
func (c *Channel) streamKey(path string) string { return c.prefix + ":children:" + path }

func (c *Channel) WriteValue(ctx context.Context, path string, value []byte) error {
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.valueKey(path), value, c.ttl)
	pipe.Publish(ctx, c.topic(path), value)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(ctx, "write "+path, err)
	}
	return nil
}

func (c *Channel) ReadOnce(ctx context.Context, path string) ([]byte, error) {
	v, err := c.client.Get(ctx, c.valueKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, channel.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(ctx, "read "+path, err)
	}
	return v, nil
}

// UpdateValue runs fn inside WATCH/MULTI and retries when another writer
// modified the key between the read and the commit.
func (c *Channel) UpdateValue(ctx context.Context, path string, fn channel.UpdateFunc) ([]byte, error) {
	key := c.valueKey(path)
	var (
		stored []byte
		fnErr  error
	)

	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			cur = nil
		} else if err != nil {
			return err
		}

		next, err := fn(cur)
		if errors.Is(err, channel.ErrAbort) {
			stored = cur
			return nil
		}
		if err != nil {
			fnErr = err
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, c.ttl)
			pipe.Publish(ctx, c.topic(path), next)
			return nil
		})
		if err == nil {
			stored = next
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		fnErr = nil
		err := c.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			c.log.Debug().Str("path", path).Int("attempt", i+1).Msg("Concurrent update, retrying")
			continue
		}
		if err != nil {
			return nil, unavailable(ctx, "update "+path, err)
		}
		if fnErr != nil {
			return nil, fnErr
		}
		return stored, nil
	}
	return nil, fmt.Errorf("update %s: too much contention: %w", path, models.ErrChannelUnavailable)
}

// SubscribeValue subscribes to the notify topic before reading the current
// value, so a write landing in between is seen at least once.
func (c *Channel) SubscribeValue(ctx context.Context, path string) (*channel.Subscription, error) {
	ps := c.client.Subscribe(ctx, c.topic(path))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable(ctx, "subscribe "+path, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan channel.Event)

	go func() {
		defer close(out)
		defer ps.Close()

		send := func(v []byte) bool {
			select {
			case out <- channel.Event{Kind: channel.EventValue, Path: path, Value: v}:
				return true
			case <-subCtx.Done():
				return false
			}
		}

		cur, err := c.ReadOnce(subCtx, path)
		switch {
		case err == nil:
			if !send(cur) {
				return
			}
		case !errors.Is(err, channel.ErrNotFound):
			c.log.Warn().Err(err).Str("path", path).Msg("Initial read for subscription failed")
		}

		msgs := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if !send([]byte(msg.Payload)) {
					return
				}
			}
		}
	}()

	return channel.NewSubscription(out, cancel), nil
}

func (c *Channel) AppendChild(ctx context.Context, path string, value []byte) (string, error) {
	key := c.streamKey(path)
	args := &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{childValueField: value},
	}
	// stream ids are millisecond timestamps, so entries older than the ttl
	// can be dropped by id
	if c.ttl > 0 {
		args.MinID = fmt.Sprintf("%d-0", time.Now().Add(-c.ttl).UnixMilli())
	} else {
		args.MaxLen = maxStreamLen
	}
	pipe := c.client.TxPipeline()
	add := pipe.XAdd(ctx, args)
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", unavailable(ctx, "append "+path, err)
	}
	return add.Val(), nil
}

// SubscribeChildren reads the stream from the beginning and then blocks for
// new entries. AppendChild keeps streams trimmed to the ttl window (or
// maxStreamLen entries) so the replay stays short. Transient read errors
// are retried until the subscription ends.
func (c *Channel) SubscribeChildren(ctx context.Context, path string) (*channel.Subscription, error) {
	key := c.streamKey(path)
	if err := c.client.Ping(ctx).Err(); err != nil {
		return nil, unavailable(ctx, "subscribe "+path, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan channel.Event)

	go func() {
		defer close(out)
		lastID := "0"
		for {
			streams, err := c.client.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   streamBatch,
				Block:   streamBlock,
			}).Result()
			if subCtx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				c.log.Warn().Err(err).Str("path", path).Msg("Stream read failed, retrying")
				select {
				case <-time.After(retryBackoff):
					continue
				case <-subCtx.Done():
					return
				}
			}

			for _, s := range streams {
				for _, msg := range s.Messages {
					lastID = msg.ID
					ev := channel.Event{
						Kind:  channel.EventChildAdded,
						Path:  path,
						Key:   msg.ID,
						Value: childValue(msg.Values[childValueField]),
					}
					select {
					case out <- ev:
					case <-subCtx.Done():
						return
					}
				}
			}
		}
	}()

	return channel.NewSubscription(out, cancel), nil
}

func childValue(v any) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []byte:
		return t
	}
	return nil
}

func unavailable(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("redis %s: %w: %v", op, models.ErrChannelUnavailable, err)
}
