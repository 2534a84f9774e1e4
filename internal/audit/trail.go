package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/thought-mesh/internal/types"
)

const defaultCapacity = 4096

// Entry is one recorded replica action. Signature chains each entry to its
// predecessor so tampering with history is detectable.
type Entry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Node      types.NodeID   `json:"node_id"`
	CID       types.CID      `json:"cid,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	At        time.Time      `json:"at"`
	Signature string         `json:"signature"`
}

// Trail is a bounded, hash-chained log of replica actions. When capacity is
// reached the oldest entries are dropped; the chain stays verifiable from the
// retained head because each signature folds in the previous one.
type Trail struct {
	mu       sync.Mutex
	node     types.NodeID
	capacity int
	entries  []Entry
	lastSig  string
	logger   zerolog.Logger
	now      func() time.Time
}

// NewTrail constructs an audit trail for a node.
func NewTrail(node types.NodeID, logger zerolog.Logger) *Trail {
	return &Trail{
		node:     node,
		capacity: defaultCapacity,
		logger:   logger,
		now:      time.Now,
	}
}

// Record appends a signed entry describing one action.
func (t *Trail) Record(action string, cid types.CID, details map[string]any) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := Entry{
		ID:      uuid.NewString(),
		Action:  action,
		Node:    t.node,
		CID:     cid,
		Details: details,
		At:      t.now().UTC(),
	}
	entry.Signature = sign(t.lastSig, entry)
	t.lastSig = entry.Signature

	t.entries = append(t.entries, entry)
	if len(t.entries) > t.capacity {
		t.entries = t.entries[len(t.entries)-t.capacity:]
	}

	t.logger.Debug().Str("action", action).Str("cid", string(cid)).Msg("audit entry recorded")
	return entry
}

// Entries returns a copy of the retained trail, oldest first.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Verify walks the retained chain and reports the first entry whose signature
// does not match, or -1 when the chain is intact.
func (t *Trail) Verify() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := ""
	for i, entry := range t.entries {
		if i == 0 {
			// The oldest retained entry anchors the chain; its own
			// predecessor may have been evicted.
			prev = entry.Signature
			continue
		}
		if sign(prev, entry) != entry.Signature {
			return i
		}
		prev = entry.Signature
	}
	return -1
}

func sign(prevSig string, entry Entry) string {
	body := entry
	body.Signature = ""
	payload, err := json.Marshal(body)
	if err != nil {
		payload = []byte(fmt.Sprintf("%s|%s|%s|%d", entry.ID, entry.Action, entry.CID, entry.At.UnixNano()))
	}

	h := sha256.New()
	h.Write([]byte(prevSig))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
