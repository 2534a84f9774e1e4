package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/thought-mesh/internal/types"
)

const (
	defaultPeerTTL   = 45 * time.Second
	defaultPeerKey   = "mesh:peer:"
	rosterScanBatch  = 100
	heartbeatDivisor = 3
)

// PeerInfo is the roster entry a node advertises about itself.
type PeerInfo struct {
	Node     types.NodeID `json:"node_id"`
	SyncAddr string       `json:"sync_addr"`
	Clock    string       `json:"clock"`
	LastSeen time.Time    `json:"last_seen"`
}

// Roster maintains the set of live mesh nodes in Redis. Each node refreshes
// its own TTL key with a heartbeat; peers that stop heartbeating fall out of
// the roster when their key expires.
type Roster struct {
	client *redis.Client
	logger zerolog.Logger

	self      PeerInfo
	clockFn   func() types.VectorClock
	ttl       time.Duration
	keyPrefix string
}

// NewRoster constructs a peer roster for a node.
func NewRoster(client *redis.Client, node types.NodeID, syncAddr string, clockFn func() types.VectorClock, logger zerolog.Logger) *Roster {
	return &Roster{
		client: client,
		logger: logger,
		self: PeerInfo{
			Node:     node,
			SyncAddr: syncAddr,
		},
		clockFn:   clockFn,
		ttl:       defaultPeerTTL,
		keyPrefix: defaultPeerKey,
	}
}

// Start begins the heartbeat loop.
func (r *Roster) Start(ctx context.Context) {
	go r.heartbeatLoop(ctx)
}

func (r *Roster) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.ttl / heartbeatDivisor)
	defer ticker.Stop()

	if err := r.Heartbeat(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("initial roster heartbeat failed")
	}

	for {
		select {
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("roster heartbeat failed")
			}
		case <-ctx.Done():
			r.Leave(context.Background())
			return
		}
	}
}

// Heartbeat refreshes this node's roster entry.
func (r *Roster) Heartbeat(ctx context.Context) error {
	if r.client == nil {
		return errors.New("nil redis client")
	}

	entry := r.self
	entry.LastSeen = time.Now().UTC()
	if r.clockFn != nil {
		entry.Clock = r.clockFn().String()
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal roster entry: %w", err)
	}
	if err := r.client.Set(ctx, r.peerKey(entry.Node), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache roster entry: %w", err)
	}
	return nil
}

// Leave removes this node's roster entry so peers stop dialing it
// immediately instead of waiting for the TTL.
func (r *Roster) Leave(ctx context.Context) {
	if err := r.client.Del(ctx, r.peerKey(r.self.Node)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Warn().Err(err).Msg("failed to delete roster entry")
	}
}

// Peers returns every live roster entry except this node's own.
func (r *Roster) Peers(ctx context.Context) ([]PeerInfo, error) {
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", rosterScanBatch).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan roster keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch roster values: %w", err)
	}

	var peers []PeerInfo
	for _, raw := range values {
		strVal, ok := raw.(string)
		if !ok || strVal == "" {
			continue
		}
		var entry PeerInfo
		if err := json.Unmarshal([]byte(strVal), &entry); err != nil {
			r.logger.Warn().Err(err).Msg("failed to decode roster entry")
			continue
		}
		if entry.Node == r.self.Node {
			continue
		}
		peers = append(peers, entry)
	}
	return peers, nil
}

// PeerAddrs returns the sync addresses of live peers that advertise one.
func (r *Roster) PeerAddrs(ctx context.Context) ([]string, error) {
	peers, err := r.Peers(ctx)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(peers))
	for _, p := range peers {
		if p.SyncAddr != "" {
			addrs = append(addrs, p.SyncAddr)
		}
	}
	return addrs, nil
}

func (r *Roster) peerKey(node types.NodeID) string {
	return fmt.Sprintf("%s%s", r.keyPrefix, node)
}
