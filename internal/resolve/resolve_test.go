package resolve

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/autonomi-go/antcore/internal/address"
	"github.com/autonomi-go/antcore/internal/record"
)

func signedPointerRecord(t *testing.T, priv ed25519.PrivateKey, counter uint64, target address.RecordKey) record.Record {
	t.Helper()
	pub := priv.Public().(ed25519.PublicKey)
	p := record.Pointer{OwnerPK: pub, Counter: counter, Target: target}
	p.Sig = record.SignPointer(priv, counter, target)
	payload, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal pointer: %v", err)
	}
	return record.Record{Key: address.HashKadKey(pub), Kind: address.KindPointer, Payload: payload}
}

func TestResolvePointerPicksHighestCounter(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	key := address.HashKadKey(pub)
	targetOld := address.HashKadKey([]byte("old"))
	targetNew := address.HashKadKey([]byte("new"))

	raw := map[address.PeerID]record.Record{
		"peerA": signedPointerRecord(t, priv, 1, targetOld),
		"peerB": signedPointerRecord(t, priv, 2, targetNew),
	}

	resolved, err := ResolvePointer(key, raw)
	if err != nil {
		t.Fatalf("ResolvePointer: %v", err)
	}
	if resolved.Value == nil {
		t.Fatalf("expected a resolved value, got conflict %v", resolved.Conflict)
	}
	if resolved.Value.Target != targetNew {
		t.Fatalf("expected highest counter's target to win")
	}
}

func TestResolvePointerSplitOnEqualCounterDifferentContent(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	key := address.HashKadKey(pub)
	targetA := address.HashKadKey([]byte("a"))
	targetB := address.HashKadKey([]byte("b"))

	raw := map[address.PeerID]record.Record{
		"peerA": signedPointerRecord(t, priv, 5, targetA),
		"peerB": signedPointerRecord(t, priv, 5, targetB),
	}

	resolved, err := ResolvePointer(key, raw)
	if err != nil {
		t.Fatalf("ResolvePointer: %v", err)
	}
	if resolved.Value != nil {
		t.Fatalf("expected a conflict for equal counters with differing content")
	}
	if len(resolved.Conflict) != 2 {
		t.Fatalf("expected both conflicting records surfaced, got %d", len(resolved.Conflict))
	}
}

func TestResolvePointerIdempotentOnEqualCounterSameContent(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	key := address.HashKadKey(pub)
	target := address.HashKadKey([]byte("same"))

	raw := map[address.PeerID]record.Record{
		"peerA": signedPointerRecord(t, priv, 5, target),
		"peerB": signedPointerRecord(t, priv, 5, target),
	}

	resolved, err := ResolvePointer(key, raw)
	if err != nil {
		t.Fatalf("ResolvePointer: %v", err)
	}
	if resolved.Value == nil || resolved.Value.Target != target {
		t.Fatalf("expected equal counter with identical content to resolve to a value")
	}
}

func TestResolvePointerDropsUndecodableCandidates(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	key := address.HashKadKey(pub)
	target := address.HashKadKey([]byte("t"))

	good := signedPointerRecord(t, priv, 1, target)
	bad := good
	bad.Payload = append([]byte(nil), good.Payload...)
	bad.Payload[len(bad.Payload)-2] ^= 0xFF // corrupt the JSON tail

	raw := map[address.PeerID]record.Record{"peerA": good, "peerB": bad}
	resolved, err := ResolvePointer(key, raw)
	if err != nil {
		t.Fatalf("ResolvePointer: %v", err)
	}
	if resolved.Value == nil || resolved.Value.Target != target {
		t.Fatalf("expected the single valid candidate to win after dropping the corrupt one")
	}
}

func TestResolveScratchpadPicksHighestCounter(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	key := address.HashKadKey(pub)

	mk := func(counter uint64, data []byte) record.Record {
		sp := record.Scratchpad{OwnerPK: pub, Counter: counter, DataEncoding: 1, EncryptedData: data}
		sp.Sig = record.SignScratchpad(priv, counter, 1, data)
		payload, _ := json.Marshal(sp)
		return record.Record{Key: key, Kind: address.KindScratchpad, Payload: payload}
	}

	raw := map[address.PeerID]record.Record{
		"peerA": mk(1, []byte("old")),
		"peerB": mk(2, []byte("new")),
	}
	resolved, err := ResolveScratchpad(key, raw)
	if err != nil {
		t.Fatalf("ResolveScratchpad: %v", err)
	}
	if resolved.Value == nil || string(resolved.Value.EncryptedData) != "new" {
		t.Fatalf("expected highest counter's data to win")
	}
}

func TestResolveGraphEntriesUnionsDistinctEntries(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	key := address.HashKadKey(pub)

	e1 := record.GraphEntry{Content: []byte("node-1")}
	e1.Sig = record.SignGraphEntry(priv, e1)
	e1.OwnerPK = pub

	e2 := record.GraphEntry{Content: []byte("node-2")}
	e2.Sig = record.SignGraphEntry(priv, e2)
	e2.OwnerPK = pub

	payloadA, _ := json.Marshal([]record.GraphEntry{e1})
	payloadB, _ := json.Marshal([]record.GraphEntry{e1, e2})

	raw := map[address.PeerID]record.Record{
		"peerA": {Key: key, Kind: address.KindGraphEntry, Payload: payloadA},
		"peerB": {Key: key, Kind: address.KindGraphEntry, Payload: payloadB},
	}

	union, err := ResolveGraphEntries(key, raw)
	if err != nil {
		t.Fatalf("ResolveGraphEntries: %v", err)
	}
	if len(union) != 2 {
		t.Fatalf("expected 2 distinct entries in the union, got %d", len(union))
	}
}

func TestResolvePointerNotFoundWhenAllCandidatesInvalid(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	key := address.HashKadKey(pub)
	target := address.HashKadKey([]byte("t"))
	r := signedPointerRecord(t, priv, 1, target)
	r.Payload = []byte("not json")

	raw := map[address.PeerID]record.Record{"peerA": r}
	if _, err := ResolvePointer(key, raw); err == nil {
		t.Fatalf("expected an error when every candidate fails to deserialize/verify")
	}
}
