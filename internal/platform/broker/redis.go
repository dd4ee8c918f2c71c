// Package broker implements ports.BrokerClient (C2, spec §4.2) over Redis
// Streams, classifying every underlying failure into the transient/
// permanent kinds the application layer retries or surfaces.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domainerrors "leafletcep/contexts/event-integration/cep-service/domain/errors"
	"leafletcep/contexts/event-integration/cep-service/ports"

	"github.com/redis/go-redis/v9"
)

// Redis is a ports.BrokerClient backed by a single Redis Streams connection.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func Connect(addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis connect: %v", domainerrors.ErrTransient, err)
	}
	return NewRedis(client), nil
}

func (r *Redis) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", classify(err)
	}
	return id, nil
}

// EnsureGroup creates stream and group at the beginning of the stream if
// absent. A BUSYGROUP response means the group already exists and is
// absorbed, not returned (idempotent per spec §4.2).
func (r *Redis) EnsureGroup(ctx context.Context, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return classify(err)
}

// ReadGroup reads up to max new (">") entries per stream for consumer group
// group/consumer, blocking up to block. A block timeout surfaces as an
// empty result, not an error.
func (r *Redis) ReadGroup(ctx context.Context, streams []string, group, consumer string, max int, block time.Duration) (map[string][]ports.StreamEntry, error) {
	streamArgs := make([]string, 0, len(streams)*2)
	streamArgs = append(streamArgs, streams...)
	for range streams {
		streamArgs = append(streamArgs, ">")
	}

	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streamArgs,
		Count:    int64(max),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return map[string][]ports.StreamEntry{}, nil
		}
		return nil, classify(err)
	}

	out := make(map[string][]ports.StreamEntry, len(res))
	for _, streamRes := range res {
		entries := make([]ports.StreamEntry, 0, len(streamRes.Messages))
		for _, msg := range streamRes.Messages {
			entries = append(entries, ports.StreamEntry{ID: msg.ID, Fields: stringifyFields(msg.Values)})
		}
		if len(entries) > 0 {
			out[streamRes.Stream] = entries
		}
	}
	return out, nil
}

func (r *Redis) Ack(ctx context.Context, stream, group string, ids []string) error {
	if err := r.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return classify(err)
	}
	return nil
}

// ReadTail reads non-group entries strictly after positions[stream] (or
// from the beginning if unset), for archival scans and live tailing. Per
// ports.BrokerClient, block < 0 must not block at all: go-redis only omits
// XREAD's BLOCK option when Block is negative, otherwise it sends
// "BLOCK <ms>" verbatim, and "BLOCK 0" means block forever — so a zero
// value here would hang an archival scan on a quiet stream. block is passed
// straight through, except that any negative value is normalized to -1 so
// it still reaches go-redis as negative.
func (r *Redis) ReadTail(ctx context.Context, streams []string, positions map[string]string, max int, block time.Duration) (map[string][]ports.StreamEntry, error) {
	streamArgs := make([]string, 0, len(streams)*2)
	streamArgs = append(streamArgs, streams...)
	for _, stream := range streams {
		pos := positions[stream]
		if pos == "" {
			pos = "0"
		}
		streamArgs = append(streamArgs, pos)
	}

	args := &redis.XReadArgs{
		Streams: streamArgs,
		Count:   int64(max),
		Block:   block,
	}
	if block < 0 {
		args.Block = -1
	}

	res, err := r.client.XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return map[string][]ports.StreamEntry{}, nil
		}
		return nil, classify(err)
	}

	out := make(map[string][]ports.StreamEntry, len(res))
	for _, streamRes := range res {
		entries := make([]ports.StreamEntry, 0, len(streamRes.Messages))
		for _, msg := range streamRes.Messages {
			entries = append(entries, ports.StreamEntry{ID: msg.ID, Fields: stringifyFields(msg.Values)})
		}
		if len(entries) > 0 {
			out[streamRes.Stream] = entries
		}
	}
	return out, nil
}

func (r *Redis) TrimMinID(ctx context.Context, stream, minID string) error {
	if err := r.client.XTrimMinID(ctx, stream, minID).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (r *Redis) Length(ctx context.Context, stream string) (int64, error) {
	n, err := r.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func stringifyFields(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// classify maps a go-redis error to the domain error kind taxonomy (spec
// §7): network/connection/timeout failures are transient and safe to
// retry, everything else is treated as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", domainerrors.ErrTransient, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "connection") || strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "LOADING") || strings.Contains(msg, "CLUSTERDOWN") {
		return fmt.Errorf("%w: %v", domainerrors.ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", domainerrors.ErrPermanent, err)
}
