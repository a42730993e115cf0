package store

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/autonomi-go/antcore/internal/address"
	"github.com/autonomi-go/antcore/internal/autonomierr"
	"github.com/autonomi-go/antcore/internal/record"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestStore(t *testing.T, self address.KadKey) *Store {
	t.Helper()
	s, err := New(t.TempDir(), self, 1000, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStoreChunkRoundTrip(t *testing.T) {
	self := address.HashKadKey([]byte("self"))
	s := newTestStore(t, self)

	payload := []byte("chunk contents")
	key := address.HashKadKey(payload)
	r := record.Record{Key: key, Kind: address.KindChunk, Payload: payload}

	outcome, err := s.Put(r)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if outcome != Committed {
		t.Fatalf("expected Committed, got %v", outcome)
	}

	got, err := s.Get(key, address.KindChunk)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Payload) != string(payload) {
		t.Fatalf("payload mismatch after round trip")
	}
	if !s.Contains(key, address.KindChunk) {
		t.Fatalf("expected Contains to report true")
	}
}

func TestStoreChunkRejectsWrongKey(t *testing.T) {
	self := address.HashKadKey([]byte("self"))
	s := newTestStore(t, self)

	payload := []byte("chunk contents")
	wrongKey := address.HashKadKey([]byte("not the payload"))
	_, err := s.Put(record.Record{Key: wrongKey, Kind: address.KindChunk, Payload: payload})
	if !errors.Is(err, autonomierr.ErrWrongKey) {
		t.Fatalf("expected ErrWrongKey, got %v", err)
	}
}

func pointerRecord(priv ed25519.PrivateKey, counter uint64, target address.RecordKey) (address.RecordKey, record.Record) {
	pub := priv.Public().(ed25519.PublicKey)
	key := address.HashKadKey(pub)
	p := record.Pointer{OwnerPK: pub, Counter: counter, Target: target}
	p.Sig = record.SignPointer(priv, counter, target)
	payload, _ := json.Marshal(p)
	return key, record.Record{Key: key, Kind: address.KindPointer, Payload: payload}
}

func TestStorePointerMonotonicCounter(t *testing.T) {
	self := address.HashKadKey([]byte("self"))
	s := newTestStore(t, self)
	_, priv, _ := ed25519.GenerateKey(nil)

	targetA := address.HashKadKey([]byte("a"))
	key, r1 := pointerRecord(priv, 1, targetA)
	if outcome, err := s.Put(r1); err != nil || outcome != Committed {
		t.Fatalf("initial put: outcome=%v err=%v", outcome, err)
	}

	targetB := address.HashKadKey([]byte("b"))
	_, r2 := pointerRecord(priv, 2, targetB)
	if outcome, err := s.Put(r2); err != nil || outcome != Committed {
		t.Fatalf("higher counter put: outcome=%v err=%v", outcome, err)
	}
	got, err := s.Get(key, address.KindPointer)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var p record.Pointer
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Target != targetB {
		t.Fatalf("expected stored pointer to reflect highest counter's target")
	}

	// Stale counter is rejected.
	_, rStale := pointerRecord(priv, 1, targetA)
	if outcome, err := s.Put(rStale); outcome != Rejected || !errors.Is(err, autonomierr.ErrStaleCounter) {
		t.Fatalf("expected stale counter rejected, got outcome=%v err=%v", outcome, err)
	}

	// Same counter, same content: idempotent re-accept.
	if outcome, err := s.Put(r2); err != nil || outcome != Committed {
		t.Fatalf("idempotent re-put: outcome=%v err=%v", outcome, err)
	}

	// Same counter, different content: surfaces a split.
	targetC := address.HashKadKey([]byte("c"))
	_, rSplit := pointerRecord(priv, 2, targetC)
	outcome, err := s.Put(rSplit)
	if outcome != SplitSurfaced || !autonomierr.Is(err, autonomierr.Split) {
		t.Fatalf("expected split surfaced on conflicting equal counter, got outcome=%v err=%v", outcome, err)
	}
}

func TestStoreGraphEntryUnion(t *testing.T) {
	self := address.HashKadKey([]byte("self"))
	s := newTestStore(t, self)
	pub, priv, _ := ed25519.GenerateKey(nil)
	key := address.HashKadKey(pub)

	e1 := record.GraphEntry{Content: []byte("first")}
	e1.Sig = record.SignGraphEntry(priv, e1)
	e1.OwnerPK = pub
	payload1, _ := json.Marshal(e1)
	if outcome, err := s.Put(record.Record{Key: key, Kind: address.KindGraphEntry, Payload: payload1}); err != nil || outcome != Committed {
		t.Fatalf("put e1: outcome=%v err=%v", outcome, err)
	}

	e2 := record.GraphEntry{Content: []byte("second")}
	e2.Sig = record.SignGraphEntry(priv, e2)
	e2.OwnerPK = pub
	payload2, _ := json.Marshal(e2)
	if outcome, err := s.Put(record.Record{Key: key, Kind: address.KindGraphEntry, Payload: payload2}); err != nil || outcome != Committed {
		t.Fatalf("put e2: outcome=%v err=%v", outcome, err)
	}

	// Re-adding e1 must not duplicate the set.
	if outcome, err := s.Put(record.Record{Key: key, Kind: address.KindGraphEntry, Payload: payload1}); err != nil || outcome != Committed {
		t.Fatalf("re-put e1: outcome=%v err=%v", outcome, err)
	}

	entries, err := s.GraphEntries(key)
	if err != nil {
		t.Fatalf("GraphEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 distinct entries in the set, got %d", len(entries))
	}
}

func TestStorePruneRemovesOutOfRadius(t *testing.T) {
	self := address.HashKadKey([]byte("self"))
	s := newTestStore(t, self)

	near := []byte("near-chunk")
	nearKey := address.HashKadKey(near)
	if _, err := s.Put(record.Record{Key: nearKey, Kind: address.KindChunk, Payload: near}); err != nil {
		t.Fatalf("put near: %v", err)
	}

	// Find a chunk whose key is far from self by trying candidates until
	// one exceeds a tiny radius; the all-zero radius only admits self.
	var farKey address.RecordKey
	var farPayload []byte
	for i := 0; i < 10000; i++ {
		candidate := []byte{byte(i), byte(i >> 8)}
		k := address.HashKadKey(candidate)
		if address.Distance(self, k).Sign() > 0 {
			farKey = k
			farPayload = candidate
			break
		}
	}
	if farPayload == nil {
		t.Fatalf("failed to find a non-self-distance candidate")
	}
	if _, err := s.Put(record.Record{Key: farKey, Kind: address.KindChunk, Payload: farPayload}); err != nil {
		t.Fatalf("put far: %v", err)
	}

	var zeroRadius address.KadKey // radius 0: only records at distance 0 survive
	removed := s.Prune(zeroRadius)
	if removed == 0 {
		t.Fatalf("expected at least one record pruned under a zero radius")
	}
}

func TestStoreSummariesReflectsContentHash(t *testing.T) {
	self := address.HashKadKey([]byte("self"))
	s := newTestStore(t, self)

	payload := []byte("summarized chunk")
	key := address.HashKadKey(payload)
	if _, err := s.Put(record.Record{Key: key, Kind: address.KindChunk, Payload: payload}); err != nil {
		t.Fatalf("put: %v", err)
	}

	var maxRadius address.KadKey
	for i := range maxRadius {
		maxRadius[i] = 0xff
	}
	summaries := s.Summaries(maxRadius)
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary row, got %d", len(summaries))
	}
	if summaries[0].Key != key || summaries[0].Kind != address.KindChunk {
		t.Fatalf("unexpected summary row: %+v", summaries[0])
	}
	if summaries[0].ContentHash == "" {
		t.Fatalf("expected a non-empty content hash")
	}
}

func TestStoreCostRisesWithLoadAndShrinkingRadius(t *testing.T) {
	self := address.HashKadKey([]byte("self"))
	s, err := New(t.TempDir(), self, 10, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wideRadius address.KadKey
	for i := range wideRadius {
		wideRadius[i] = 0xff
	}
	baseline := s.StoreCost(100, wideRadius)

	for i := 0; i < 8; i++ {
		payload := []byte{byte(i)}
		key := address.HashKadKey(payload)
		if _, err := s.Put(record.Record{Key: key, Kind: address.KindChunk, Payload: payload}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	loaded := s.StoreCost(100, wideRadius)
	if loaded <= baseline {
		t.Fatalf("expected cost to rise as the store fills: baseline=%d loaded=%d", baseline, loaded)
	}

	var narrowRadius address.KadKey
	narrowRadius[31] = 1
	narrow := s.StoreCost(100, narrowRadius)
	if narrow <= loaded {
		t.Fatalf("expected cost to rise further as the responsibility radius shrinks")
	}
}
