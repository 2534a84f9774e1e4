package peer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/thought-mesh/internal/crdt"
	"github.com/example/thought-mesh/internal/types"
)

const (
	writeWait       = 10 * time.Second
	readWait        = 30 * time.Second
	maxStateMessage = 16 << 20
)

type syncMessage struct {
	Node   string             `json:"node_id"`
	State  types.ReplicaState `json:"state"`
	SentAt int64              `json:"sent_at"`
}

// Handler answers anti-entropy exchanges: the dialer sends its full state,
// the handler merges it and replies with its own state so the dialer can
// merge back. One round makes both sides converge.
type Handler struct {
	replica  *crdt.Replica
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewHandler constructs the websocket sync endpoint.
func NewHandler(replica *crdt.Replica, logger zerolog.Logger) *Handler {
	return &Handler{
		replica: replica,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("sync upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxStateMessage)

	if err := conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
		return
	}
	var incoming syncMessage
	if err := conn.ReadJSON(&incoming); err != nil {
		h.logger.Warn().Err(err).Msg("failed to read peer state")
		return
	}
	if incoming.Node == "" {
		h.logger.Warn().Msg("peer state missing node id")
		return
	}

	report := h.replica.Merge(incoming.State)
	h.logger.Debug().
		Str("peer", incoming.Node).
		Int("added", len(report.Added)).
		Int("updated", len(report.Updated)).
		Int("conflicts", len(report.Conflicts)).
		Msg("merged inbound peer state")

	reply := syncMessage{
		Node:   string(h.replica.NodeID()),
		State:  h.replica.State(),
		SentAt: time.Now().UTC().UnixNano(),
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	if err := conn.WriteJSON(reply); err != nil {
		h.logger.Warn().Err(err).Str("peer", incoming.Node).Msg("failed to send state reply")
		return
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// PeerSource lists the sync addresses of currently known peers.
type PeerSource interface {
	PeerAddrs(ctx context.Context) ([]string, error)
}

// Syncer drives periodic anti-entropy rounds against every known peer.
type Syncer struct {
	replica *crdt.Replica
	source  PeerSource
	static  []string
	logger  zerolog.Logger

	interval time.Duration
	dialer   *websocket.Dialer
}

// NewSyncer constructs a syncer over a peer source plus a static peer list.
func NewSyncer(replica *crdt.Replica, source PeerSource, static []string, interval time.Duration, logger zerolog.Logger) *Syncer {
	return &Syncer{
		replica:  replica,
		source:   source,
		static:   static,
		logger:   logger,
		interval: interval,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   32 << 10,
			WriteBufferSize:  32 << 10,
		},
	}
}

// Start begins the periodic sync loop.
func (s *Syncer) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Syncer) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runRound(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Syncer) runRound(ctx context.Context) {
	for _, addr := range s.peerAddrs(ctx) {
		report, err := s.SyncWith(ctx, addr)
		if err != nil {
			syncFailures.WithLabelValues(addr).Inc()
			s.logger.Warn().Err(err).Str("peer", addr).Msg("sync round failed")
			continue
		}
		if len(report.Added) > 0 || len(report.Updated) > 0 || len(report.Conflicts) > 0 {
			s.logger.Info().
				Str("peer", addr).
				Int("added", len(report.Added)).
				Int("updated", len(report.Updated)).
				Int("conflicts", len(report.Conflicts)).
				Msg("sync round applied changes")
		}
	}
}

func (s *Syncer) peerAddrs(ctx context.Context) []string {
	seen := make(map[string]struct{}, len(s.static))
	addrs := make([]string, 0, len(s.static))
	for _, addr := range s.static {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}

	if s.source == nil {
		return addrs
	}
	discovered, err := s.source.PeerAddrs(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("peer discovery failed; using static peers only")
		return addrs
	}
	for _, addr := range discovered {
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}
	return addrs
}

// SyncWith performs a single anti-entropy round against one peer address and
// returns the merge report for the state received back.
func (s *Syncer) SyncWith(ctx context.Context, addr string) (types.MergeReport, error) {
	start := time.Now()
	url := fmt.Sprintf("ws://%s/sync", addr)

	conn, resp, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return types.MergeReport{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	conn.SetReadLimit(maxStateMessage)

	out := syncMessage{
		Node:   string(s.replica.NodeID()),
		State:  s.replica.State(),
		SentAt: time.Now().UTC().UnixNano(),
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return types.MergeReport{}, err
	}
	if err := conn.WriteJSON(out); err != nil {
		return types.MergeReport{}, fmt.Errorf("send state: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
		return types.MergeReport{}, err
	}
	var reply syncMessage
	if err := conn.ReadJSON(&reply); err != nil {
		return types.MergeReport{}, fmt.Errorf("read state reply: %w", err)
	}
	if reply.Node == "" {
		return types.MergeReport{}, errors.New("state reply missing node id")
	}

	report := s.replica.Merge(reply.State)
	syncRounds.WithLabelValues(reply.Node).Inc()
	syncLatency.WithLabelValues(reply.Node).Observe(time.Since(start).Seconds())
	return report, nil
}
