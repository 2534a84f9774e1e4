package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/thought-mesh/internal/crdt"
	"github.com/example/thought-mesh/internal/types"
)

const (
	defaultStateChannel = "mesh:state"
	defaultDedupeTTL    = 2 * time.Minute
	maxBackoffDelay     = 30 * time.Second
)

type stateEnvelope struct {
	AnnouncementID string             `json:"announcement_id"`
	Node           string             `json:"node_id"`
	State          types.ReplicaState `json:"state"`
	EnqueuedAt     int64              `json:"enqueued_at"`
}

// Bus gossips full replica state over Redis Pub/Sub. Every received state is
// merged into the local replica, so any node hearing an announcement
// converges without talking to the announcer directly.
type Bus struct {
	client  *redis.Client
	replica *crdt.Replica
	logger  zerolog.Logger

	channel   string
	dedupeTTL time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time

	latency *prometheus.HistogramVec
}

// NewBus constructs a gossip bus backed by Redis Pub/Sub.
func NewBus(client *redis.Client, replica *crdt.Replica, logger zerolog.Logger) *Bus {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mesh",
		Name:      "gossip_to_merge_seconds",
		Help:      "Observed latency between state announcement and local merge.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"node"})

	if err := prometheus.Register(histogram); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			histogram = regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return &Bus{
		client:    client,
		replica:   replica,
		logger:    logger,
		channel:   defaultStateChannel,
		dedupeTTL: defaultDedupeTTL,
		seen:      make(map[string]time.Time),
		latency:   histogram,
	}
}

// Announce publishes the local replica state to the mesh channel, retrying
// with backoff on transient Redis failures.
func (b *Bus) Announce(ctx context.Context) error {
	if b == nil || b.client == nil {
		return errors.New("nil bus")
	}

	env := stateEnvelope{
		AnnouncementID: uuid.NewString(),
		Node:           string(b.replica.NodeID()),
		State:          b.replica.State(),
		EnqueuedAt:     time.Now().UTC().UnixNano(),
	}

	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode state envelope: %w", err)
	}

	backoff := time.Second
	for {
		if err := b.client.Publish(ctx, b.channel, encoded).Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			b.logger.Warn().Err(err).Str("channel", b.channel).Dur("backoff", backoff).Msg("redis publish failed; retrying")
			select {
			case <-time.After(backoff):
				backoff = minDuration(backoff*2, maxBackoffDelay)
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

// Start begins consuming state announcements from the mesh channel.
func (b *Bus) Start(ctx context.Context) {
	go b.run(ctx)
}

func (b *Bus) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.Subscribe(ctx, b.channel)
		if err := b.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

func (b *Bus) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.process(msg); err != nil {
				b.logger.Warn().Err(err).Msg("failed to process state announcement")
			}
		}
	}
}

func (b *Bus) process(msg *redis.Message) error {
	var env stateEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Node == "" || env.AnnouncementID == "" {
		return errors.New("incomplete envelope")
	}
	if env.Node == string(b.replica.NodeID()) {
		return nil
	}
	if b.isDuplicate(env.Node, env.AnnouncementID) {
		return nil
	}

	var latencySeconds float64
	if env.EnqueuedAt > 0 {
		latencySeconds = float64(time.Since(time.Unix(0, env.EnqueuedAt))) / float64(time.Second)
	}
	b.latency.WithLabelValues(env.Node).Observe(latencySeconds)

	report := b.replica.Merge(env.State)
	if len(report.Added) > 0 || len(report.Updated) > 0 || len(report.Conflicts) > 0 {
		b.logger.Debug().
			Str("from", env.Node).
			Int("added", len(report.Added)).
			Int("updated", len(report.Updated)).
			Int("conflicts", len(report.Conflicts)).
			Msg("merged gossiped state")
	}
	return nil
}

func (b *Bus) isDuplicate(node, announcementID string) bool {
	key := node + ":" + announcementID

	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	if ts, ok := b.seen[key]; ok {
		if time.Since(ts) < b.dedupeTTL {
			return true
		}
	}

	b.seen[key] = time.Now()
	cutoff := time.Now().Add(-b.dedupeTTL)
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	return false
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
