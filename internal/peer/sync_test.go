package peer

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/thought-mesh/internal/crdt"
	"github.com/example/thought-mesh/internal/types"
)

func testRecord(cid string, topic types.Topic) types.Record {
	return types.Record{
		CID:     types.CID(cid),
		Topic:   topic,
		TS:      time.Now().UnixNano(),
		Payload: types.Payload{"note": cid},
	}
}

func TestSyncRoundConvergesBothReplicas(t *testing.T) {
	quiet := zerolog.New(io.Discard)

	server := crdt.NewReplica("server", quiet)
	server.Add(testRecord("cid-server", types.TopicEvent))

	client := crdt.NewReplica("client", quiet)
	client.Add(testRecord("cid-client", types.TopicEvent))

	ts := httptest.NewServer(NewHandler(server, quiet))
	defer ts.Close()
	addr := strings.TrimPrefix(ts.URL, "http://")

	syncer := NewSyncer(client, nil, nil, time.Hour, quiet)
	report, err := syncer.SyncWith(context.Background(), addr)
	if err != nil {
		t.Fatalf("sync round err: %v", err)
	}

	if len(report.Added) != 1 || report.Added[0] != "cid-server" {
		t.Fatalf("expected client to pull cid-server, got %+v", report.Added)
	}
	if _, ok := client.Get("cid-server"); !ok {
		t.Fatal("client missing server record after sync")
	}
	if _, ok := server.Get("cid-client"); !ok {
		t.Fatal("server missing client record after sync")
	}

	if !client.Clock().Equal(server.Clock()) {
		t.Fatalf("expected converged clocks, client=%v server=%v", client.Clock(), server.Clock())
	}
}

func TestSyncRoundPropagatesTombstones(t *testing.T) {
	quiet := zerolog.New(io.Discard)

	server := crdt.NewReplica("server", quiet)
	client := crdt.NewReplica("client", quiet)

	shared := testRecord("cid-shared", types.TopicEvent)
	server.Add(shared)
	client.Merge(server.State())
	server.Remove("cid-shared")

	ts := httptest.NewServer(NewHandler(server, quiet))
	defer ts.Close()
	addr := strings.TrimPrefix(ts.URL, "http://")

	syncer := NewSyncer(client, nil, nil, time.Hour, quiet)
	if _, err := syncer.SyncWith(context.Background(), addr); err != nil {
		t.Fatalf("sync round err: %v", err)
	}

	if _, ok := client.Get("cid-shared"); ok {
		t.Fatal("expected tombstone to remove record on client")
	}
}

func TestSyncRoundIsIdempotent(t *testing.T) {
	quiet := zerolog.New(io.Discard)

	server := crdt.NewReplica("server", quiet)
	server.Add(testRecord("cid-1", types.TopicEvent))
	client := crdt.NewReplica("client", quiet)

	ts := httptest.NewServer(NewHandler(server, quiet))
	defer ts.Close()
	addr := strings.TrimPrefix(ts.URL, "http://")

	syncer := NewSyncer(client, nil, nil, time.Hour, quiet)
	if _, err := syncer.SyncWith(context.Background(), addr); err != nil {
		t.Fatalf("first round err: %v", err)
	}
	report, err := syncer.SyncWith(context.Background(), addr)
	if err != nil {
		t.Fatalf("second round err: %v", err)
	}

	if len(report.Added)+len(report.Updated)+len(report.Conflicts) != 0 {
		t.Fatalf("expected quiescent second round, got %+v", report)
	}
}

func TestPeerAddrsDeduplicatesStaticAndDiscovered(t *testing.T) {
	quiet := zerolog.New(io.Discard)
	client := crdt.NewReplica("client", quiet)

	source := peerSourceFunc(func(context.Context) ([]string, error) {
		return []string{"b:1", "a:1", "", "c:1"}, nil
	})
	syncer := NewSyncer(client, source, []string{"a:1", "a:1"}, time.Hour, quiet)

	addrs := syncer.peerAddrs(context.Background())
	want := []string{"a:1", "b:1", "c:1"}
	if len(addrs) != len(want) {
		t.Fatalf("expected %v, got %v", want, addrs)
	}
	for i, addr := range want {
		if addrs[i] != addr {
			t.Fatalf("expected %v, got %v", want, addrs)
		}
	}
}

type peerSourceFunc func(ctx context.Context) ([]string, error)

func (f peerSourceFunc) PeerAddrs(ctx context.Context) ([]string, error) { return f(ctx) }
