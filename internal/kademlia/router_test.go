package kademlia

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/autonomi-go/antcore/internal/address"
	"github.com/autonomi-go/antcore/internal/record"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// mockTransport is an in-memory Transport fake: peers "dial" successfully
// unless listed in unreachable, and records are served from a canned map
// keyed by peer ID.
type mockTransport struct {
	mu          sync.Mutex
	unreachable map[address.PeerID]bool
	records     map[address.PeerID]record.Record
	sent        []record.Record
	sendErr     map[address.PeerID]error
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		unreachable: make(map[address.PeerID]bool),
		records:     make(map[address.PeerID]record.Record),
		sendErr:     make(map[address.PeerID]error),
	}
}

func (m *mockTransport) Dial(_ context.Context, peer PeerInfo) error {
	if m.unreachable[peer.ID] {
		return errors.New("unreachable")
	}
	return nil
}

func (m *mockTransport) RequestRecord(_ context.Context, peer PeerInfo, key address.RecordKey, kind address.RecordKind) (record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[peer.ID]
	if !ok {
		return record.Record{}, errors.New("not found")
	}
	return r, nil
}

func (m *mockTransport) SendRecord(_ context.Context, peer PeerInfo, r record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.sendErr[peer.ID]; ok {
		return err
	}
	m.sent = append(m.sent, r)
	return nil
}

func (m *mockTransport) Identify(_ context.Context, peer PeerInfo) (address.PeerID, error) {
	return peer.ID, nil
}

func TestQuorumPolicySatisfied(t *testing.T) {
	cases := []struct {
		q      QuorumPolicy
		agree  int
		total  int
		expect bool
	}{
		{All(), 3, 3, true},
		{All(), 2, 3, false},
		{All(), 0, 0, false},
		{Majority(), 2, 3, true},
		{Majority(), 1, 3, false},
		{N(2), 2, 5, true},
		{N(2), 1, 5, false},
	}
	for _, c := range cases {
		if got := c.q.Satisfied(c.agree, c.total); got != c.expect {
			t.Fatalf("Satisfied(%d, %d) = %v, want %v", c.agree, c.total, got, c.expect)
		}
	}
}

func TestAddPeerKeepsBucketsWithinBucketSize(t *testing.T) {
	self := address.PeerID("self")
	r := New(self, newMockTransport(), testLogger())

	// Add BucketSize+5 peers, which spread over several buckets by their
	// distance to self, and confirm no bucket holds more than BucketSize.
	for i := 0; i < BucketSize+5; i++ {
		r.AddPeer(PeerInfo{ID: address.PeerID(string(rune('a' + i)))})
	}
	r.mu.RLock()
	for _, b := range r.buckets {
		if len(b) > BucketSize {
			t.Fatalf("bucket exceeded BucketSize: %d entries", len(b))
		}
	}
	r.mu.RUnlock()
}

func TestAddPeerIgnoresSelf(t *testing.T) {
	self := address.PeerID("self")
	r := New(self, newMockTransport(), testLogger())
	r.AddPeer(PeerInfo{ID: self})
	if r.countPeers() != 0 {
		t.Fatalf("expected self to never be added to the routing table")
	}
}

func TestRemovePeer(t *testing.T) {
	self := address.PeerID("self")
	r := New(self, newMockTransport(), testLogger())
	r.AddPeer(PeerInfo{ID: "peer-1"})
	r.RemovePeer("peer-1")
	if r.countPeers() != 0 {
		t.Fatalf("expected peer to be removed")
	}
}

func TestClosestPeersOrdersByDistance(t *testing.T) {
	self := address.PeerID("self")
	r := New(self, newMockTransport(), testLogger())
	ids := []address.PeerID{"p1", "p2", "p3", "p4"}
	for _, id := range ids {
		r.AddPeer(PeerInfo{ID: id})
	}

	key := address.HashKadKey([]byte("target"))
	closest := r.ClosestPeers(context.Background(), key, 2)
	if len(closest) != 2 {
		t.Fatalf("expected 2 closest peers, got %d", len(closest))
	}
	d0 := address.Distance(key, closest[0].ID.Key())
	d1 := address.Distance(key, closest[1].ID.Key())
	if d0.Cmp(d1) > 0 {
		t.Fatalf("expected closest peers sorted by ascending distance")
	}
}

func TestBootstrapAddsReachablePeers(t *testing.T) {
	self := address.PeerID("self")
	transport := newMockTransport()
	transport.unreachable["bad"] = true
	r := New(self, transport, testLogger())

	seeds := []PeerInfo{{ID: "good"}, {ID: "bad"}}
	if err := r.Bootstrap(context.Background(), seeds); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if r.countPeers() != 1 {
		t.Fatalf("expected only the reachable seed to be added, got %d peers", r.countPeers())
	}
}

func TestBootstrapFailsWhenNoSeedReachable(t *testing.T) {
	self := address.PeerID("self")
	transport := newMockTransport()
	transport.unreachable["bad"] = true
	r := New(self, transport, testLogger())

	err := r.Bootstrap(context.Background(), []PeerInfo{{ID: "bad"}})
	if err == nil {
		t.Fatalf("expected an error when every seed is unreachable")
	}
}

func TestGetRecordReturnsNotFoundWhenAllFail(t *testing.T) {
	self := address.PeerID("self")
	transport := newMockTransport()
	r := New(self, transport, testLogger())
	r.AddPeer(PeerInfo{ID: "peer-1"})

	result, err := r.GetRecord(context.Background(), address.HashKadKey([]byte("k")), address.KindChunk, Majority())
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if !result.NotFound {
		t.Fatalf("expected NotFound when no peer has the record")
	}
}

func TestGetRecordReturnsEmptyCloseGroupError(t *testing.T) {
	self := address.PeerID("self")
	r := New(self, newMockTransport(), testLogger())
	_, err := r.GetRecord(context.Background(), address.HashKadKey([]byte("k")), address.KindChunk, Majority())
	if err == nil {
		t.Fatalf("expected an error when the routing table has no peers")
	}
}

func TestGetRecordResolvesQuorumAgreement(t *testing.T) {
	self := address.PeerID("self")
	transport := newMockTransport()
	payload := []byte("agreed content")
	key := address.HashKadKey(payload)
	rec := record.Record{Key: key, Kind: address.KindChunk, Payload: payload}
	transport.records["peer-1"] = rec
	transport.records["peer-2"] = rec
	transport.records["peer-3"] = rec

	r := New(self, transport, testLogger())
	r.AddPeer(PeerInfo{ID: "peer-1"})
	r.AddPeer(PeerInfo{ID: "peer-2"})
	r.AddPeer(PeerInfo{ID: "peer-3"})

	result, err := r.GetRecord(context.Background(), key, address.KindChunk, Majority())
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if result.Record == nil {
		t.Fatalf("expected a resolved record under majority agreement")
	}
	if string(result.Record.Payload) != string(payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestGetRecordSurfacesSplitOnDisagreement(t *testing.T) {
	self := address.PeerID("self")
	transport := newMockTransport()
	key := address.HashKadKey([]byte("k"))
	transport.records["peer-1"] = record.Record{Key: key, Kind: address.KindPointer, Payload: []byte("a")}
	transport.records["peer-2"] = record.Record{Key: key, Kind: address.KindPointer, Payload: []byte("b")}

	r := New(self, transport, testLogger())
	r.AddPeer(PeerInfo{ID: "peer-1"})
	r.AddPeer(PeerInfo{ID: "peer-2"})

	result, err := r.GetRecord(context.Background(), key, address.KindPointer, All())
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if result.Record != nil {
		t.Fatalf("expected disagreement to surface a split, not a resolved record")
	}
	if len(result.Split) != 2 {
		t.Fatalf("expected both disagreeing records in the split, got %d", len(result.Split))
	}
}

func TestPutRecordReportsPerPeerOutcome(t *testing.T) {
	self := address.PeerID("self")
	transport := newMockTransport()
	transport.sendErr["peer-bad"] = errors.New("refused")

	r := New(self, transport, testLogger())
	targets := []PeerInfo{{ID: "peer-good"}, {ID: "peer-bad"}}
	rec := record.Record{Key: address.HashKadKey([]byte("k")), Kind: address.KindChunk, Payload: []byte("k")}

	results := r.PutRecord(context.Background(), rec, targets)
	if len(results) != 2 {
		t.Fatalf("expected one result per target")
	}
	byPeer := make(map[address.PeerID]error, len(results))
	for _, res := range results {
		byPeer[res.Peer] = res.Err
	}
	if byPeer["peer-good"] != nil {
		t.Fatalf("expected peer-good to succeed")
	}
	if byPeer["peer-bad"] == nil {
		t.Fatalf("expected peer-bad to fail")
	}
}

func TestProvideAndGetProviders(t *testing.T) {
	self := address.PeerID("self")
	r := New(self, newMockTransport(), testLogger())
	key := address.HashKadKey([]byte("provided"))
	r.Provide(key)
	providers := r.GetProviders(key)
	if len(providers) != 1 || providers[0] != self {
		t.Fatalf("expected self to be listed as the sole provider, got %v", providers)
	}
}
