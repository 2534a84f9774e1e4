package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/thought-mesh/internal/audit"
	"github.com/example/thought-mesh/internal/crdt"
	"github.com/example/thought-mesh/internal/storage"
	"github.com/example/thought-mesh/internal/types"
)

// Journal is the subset of the mutation journal the API needs.
type Journal interface {
	AppendMutation(ctx context.Context, m storage.Mutation) (int64, error)
}

// Announcer publishes local state to the mesh after a mutation.
type Announcer interface {
	Announce(ctx context.Context) error
}

// HealthChecker verifies external dependencies.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server exposes the replica over HTTP: local writes, reads, state transfer
// and direct merges.
type Server struct {
	replica *crdt.Replica
	journal Journal
	trail   *audit.Trail
	bus     Announcer
	health  HealthChecker
	logger  zerolog.Logger
}

// NewServer wires the HTTP surface. journal, trail, bus and health may be nil
// when the corresponding concern is not hosted (tests, embedded use).
func NewServer(replica *crdt.Replica, journal Journal, trail *audit.Trail, bus Announcer, health HealthChecker, logger zerolog.Logger) *Server {
	return &Server{
		replica: replica,
		journal: journal,
		trail:   trail,
		bus:     bus,
		health:  health,
		logger:  logger,
	}
}

// Routes registers every endpoint on the provided mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.Handle("POST /thoughts", s.instrument("add_thought", s.handleAdd))
	mux.Handle("GET /thoughts", s.instrument("list_thoughts", s.handleList))
	mux.Handle("GET /thoughts/{cid}", s.instrument("get_thought", s.handleGet))
	mux.Handle("DELETE /thoughts/{cid}", s.instrument("remove_thought", s.handleRemove))
	mux.Handle("GET /state", s.instrument("export_state", s.handleState))
	mux.Handle("POST /merge", s.instrument("merge_state", s.handleMerge))
	mux.Handle("GET /audit", s.instrument("read_audit", s.handleAudit))
	mux.Handle("GET /healthz", s.instrument("healthz", s.handleHealthz))
}

func (s *Server) instrument(name string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		fn(w, r)
		requestLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var record types.Record
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		http.Error(w, "invalid record body", http.StatusBadRequest)
		return
	}
	if record.CID == "" {
		http.Error(w, "cid is required", http.StatusBadRequest)
		return
	}

	decorated := s.replica.Add(record)
	s.persist(r.Context(), storage.MutationAdd, record.CID)
	s.record("thought.add", record.CID, map[string]any{"topic": string(record.Topic)})
	s.announce(r.Context())

	writeJSON(w, http.StatusCreated, decorated)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.replica.Thoughts())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	cid := types.CID(r.PathValue("cid"))
	decorated, ok := s.replica.Get(cid)
	if !ok {
		http.Error(w, "thought not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, decorated)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	cid := types.CID(r.PathValue("cid"))
	if cid == "" {
		http.Error(w, "cid is required", http.StatusBadRequest)
		return
	}

	s.replica.Remove(cid)
	s.persist(r.Context(), storage.MutationRemove, cid)
	s.record("thought.remove", cid, nil)
	s.announce(r.Context())

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.replica.State())
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var remote types.ReplicaState
	if err := json.NewDecoder(r.Body).Decode(&remote); err != nil {
		http.Error(w, "invalid state body", http.StatusBadRequest)
		return
	}
	if remote.NodeID == "" {
		http.Error(w, "state missing node id", http.StatusBadRequest)
		return
	}

	report := s.replica.Merge(remote)
	for _, cid := range report.Added {
		s.persist(r.Context(), storage.MutationResolve, cid)
	}
	for _, cid := range report.Updated {
		s.persist(r.Context(), storage.MutationResolve, cid)
	}
	for _, conflict := range report.Conflicts {
		s.persist(r.Context(), storage.MutationResolve, conflict.CID)
		s.record("merge.conflict", conflict.CID, map[string]any{
			"strategy": conflict.Strategy,
			"from":     string(remote.NodeID),
		})
	}
	s.record("merge.apply", "", map[string]any{
		"from":      string(remote.NodeID),
		"added":     len(report.Added),
		"updated":   len(report.Updated),
		"conflicts": len(report.Conflicts),
	})
	s.announce(r.Context())

	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.trail == nil {
		http.Error(w, "audit trail not enabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Entries    []audit.Entry `json:"entries"`
		BrokenAt   int           `json:"broken_at"`
		ChainValid bool          `json:"chain_valid"`
	}{
		Entries:    s.trail.Entries(),
		BrokenAt:   s.trail.Verify(),
		ChainValid: s.trail.Verify() == -1,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health.HealthCheck(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("healthcheck failed")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node": string(s.replica.NodeID())})
}

func (s *Server) persist(ctx context.Context, kind storage.MutationKind, cid types.CID) {
	if s.journal == nil {
		return
	}
	version, ok := s.replica.Version(cid)
	if !ok {
		// Removing an absent key bumps the clock without storing anything.
		return
	}
	if _, err := s.journal.AppendMutation(ctx, storage.Mutation{
		Node:    s.replica.NodeID(),
		CID:     cid,
		Kind:    kind,
		Version: version,
	}); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Str("cid", string(cid)).Msg("journal append failed")
	}
}

func (s *Server) record(action string, cid types.CID, details map[string]any) {
	if s.trail == nil {
		return
	}
	s.trail.Record(action, cid, details)
}

func (s *Server) announce(ctx context.Context) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Announce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Msg("mesh announce failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
