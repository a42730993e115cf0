// Package store implements the local record store (spec §4.1): on-disk
// persistence keyed by hex(key)‖kind_tag, atomic write-then-rename,
// per-kind validation, distance-bounded pruning, and the store-cost
// price curve. Modeled after the teacher's diskLRU persistence idiom in
// core/storage.go, generalized from a flat cache to a validated,
// kind-aware record store.
package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/autonomi-go/antcore/internal/address"
	"github.com/autonomi-go/antcore/internal/autonomierr"
	"github.com/autonomi-go/antcore/internal/record"
)

// Outcome is the result of a Put.
type Outcome int

const (
	Rejected Outcome = iota
	Committed
	SplitSurfaced
)

// Entry is the in-memory index row rebuilt from a directory scan on
// startup: key -> kind.
type Entry struct {
	Key  address.RecordKey
	Kind address.RecordKind
}

// Store is the disk-backed local record store for one node.
type Store struct {
	dir      string
	selfKey  address.KadKey
	capacity int
	log      *logrus.Logger

	mu    sync.RWMutex
	index map[string]Entry // hex(key)+kind_tag -> entry
}

// New builds a Store rooted at dir, rebuilding its index from any
// records already on disk.
func New(dir string, selfKey address.KadKey, capacity int, log *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, autonomierr.New(autonomierr.Resource, "store.New", err)
	}
	s := &Store{dir: dir, selfKey: selfKey, capacity: capacity, log: log, index: make(map[string]Entry)}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func recordFileName(key address.RecordKey, kind address.RecordKind) string {
	return fmt.Sprintf("%s.%d", hex.EncodeToString(key[:]), kind)
}

func (s *Store) pathFor(key address.RecordKey, kind address.RecordKind) string {
	return filepath.Join(s.dir, recordFileName(key, kind))
}

func (s *Store) rebuildIndex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return autonomierr.New(autonomierr.Resource, "store.rebuildIndex", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		dot := len(name) - 2
		if dot < 0 || name[dot] != '.' {
			continue
		}
		keyHex, kindStr := name[:dot], name[dot+1:]
		raw, err := hex.DecodeString(keyHex)
		if err != nil || len(raw) != 32 {
			continue
		}
		var key address.RecordKey
		copy(key[:], raw)
		kind := address.RecordKind(kindStr[0] - '0')
		if !kind.Valid() {
			continue
		}
		s.index[name] = Entry{Key: key, Kind: kind}
	}
	return nil
}

// Get loads a record by key and kind.
func (s *Store) Get(key address.RecordKey, kind address.RecordKind) (record.Record, error) {
	name := recordFileName(key, kind)
	s.mu.RLock()
	_, ok := s.index[name]
	s.mu.RUnlock()
	if !ok {
		return record.Record{}, autonomierr.New(autonomierr.NotFound, "store.Get", autonomierr.ErrNotFound)
	}
	raw, err := os.ReadFile(s.pathFor(key, kind))
	if err != nil {
		return record.Record{}, autonomierr.New(autonomierr.Resource, "store.Get", err)
	}
	return record.Decode(key, raw)
}

// GraphEntries returns the full fork set stored at key (kind GraphEntry
// is always a set, never a single value, per spec §3).
func (s *Store) GraphEntries(key address.RecordKey) ([]record.GraphEntry, error) {
	r, err := s.Get(key, address.KindGraphEntry)
	if err != nil {
		if autonomierr.Is(err, autonomierr.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	var entries []record.GraphEntry
	if err := decodeJSON(r.Payload, &entries); err != nil {
		return nil, autonomierr.New(autonomierr.Protocol, "store.GraphEntries", err)
	}
	return entries, nil
}

// Contains reports whether a record of the given kind exists at key.
func (s *Store) Contains(key address.RecordKey, kind address.RecordKind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[recordFileName(key, kind)]
	return ok
}

// Addresses returns a snapshot of every stored (key, kind) pair, the
// source for replication's "keys we hold" summaries.
func (s *Store) Addresses() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.index))
	for _, e := range s.index {
		out = append(out, e)
	}
	return out
}

// Summary is one (key, kind, content hash) row this node hands to a
// peer running replication's reconciliation step 2 ("ask each peer in
// the close group for the list of record keys they hold within our
// radius").
type Summary struct {
	Key         address.RecordKey
	Kind        address.RecordKind
	ContentHash string
}

// Summaries returns a Summary for every record within radius of this
// store's own key, spec §4.4 step 2.
func (s *Store) Summaries(radius address.KadKey) []Summary {
	radiusInt := new(big.Int).SetBytes(radius[:])
	entries := s.Addresses()
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		if address.Distance(s.selfKey, e.Key).Cmp(radiusInt) > 0 {
			continue
		}
		r, err := s.Get(e.Key, e.Kind)
		if err != nil {
			continue
		}
		enc, err := record.Encode(r)
		if err != nil {
			continue
		}
		out = append(out, Summary{Key: e.Key, Kind: e.Kind, ContentHash: address.HashKadKey(enc).String()})
	}
	return out
}

// Put validates per spec §4.1's kind policies and persists atomically.
func (s *Store) Put(r record.Record) (Outcome, error) {
	switch r.Kind {
	case address.KindChunk:
		return s.putChunk(r)
	case address.KindPointer:
		return s.putPointer(r)
	case address.KindScratchpad:
		return s.putScratchpad(r)
	case address.KindGraphEntry:
		return s.putGraphEntry(r)
	default:
		return Rejected, autonomierr.New(autonomierr.Protocol, "store.Put", autonomierr.ErrUnknownKind)
	}
}

func (s *Store) putChunk(r record.Record) (Outcome, error) {
	if err := record.VerifyChunk(r.Key, r.Payload); err != nil {
		return Rejected, err
	}
	// Idempotent: identical content is always re-accepted; the file is
	// rewritten atomically with the same bytes.
	if err := s.writeAtomic(r.Key, r.Kind, record.StripPayment(r)); err != nil {
		return Rejected, err
	}
	return Committed, nil
}

func (s *Store) putPointer(r record.Record) (Outcome, error) {
	var p record.Pointer
	if err := decodeJSON(r.Payload, &p); err != nil {
		return Rejected, autonomierr.New(autonomierr.Protocol, "store.putPointer", err)
	}
	if err := record.VerifyPointer(r.Key, p); err != nil {
		return Rejected, err
	}
	if p.Counter == math.MaxUint64 {
		return Rejected, autonomierr.New(autonomierr.Validation, "store.putPointer", autonomierr.ErrCounterOverflow)
	}
	prior, err := s.Get(r.Key, address.KindPointer)
	if err == nil {
		var old record.Pointer
		if derr := decodeJSON(prior.Payload, &old); derr == nil {
			switch {
			case p.Counter > old.Counter:
				// strictly higher: replaces.
			case p.Counter == old.Counter && p.SameContent(old):
				return Committed, nil // idempotent re-accept
			case p.Counter == old.Counter:
				return SplitSurfaced, autonomierr.New(autonomierr.Split, "store.putPointer", nil)
			default:
				return Rejected, autonomierr.New(autonomierr.Validation, "store.putPointer", autonomierr.ErrStaleCounter)
			}
		}
	} else if !autonomierr.Is(err, autonomierr.NotFound) {
		return Rejected, err
	}
	if err := s.writeAtomic(r.Key, r.Kind, record.StripPayment(r)); err != nil {
		return Rejected, err
	}
	return Committed, nil
}

func (s *Store) putScratchpad(r record.Record) (Outcome, error) {
	var sp record.Scratchpad
	if err := decodeJSON(r.Payload, &sp); err != nil {
		return Rejected, autonomierr.New(autonomierr.Protocol, "store.putScratchpad", err)
	}
	if err := record.VerifyScratchpad(r.Key, sp); err != nil {
		return Rejected, err
	}
	if sp.Counter == math.MaxUint64 {
		return Rejected, autonomierr.New(autonomierr.Validation, "store.putScratchpad", autonomierr.ErrCounterOverflow)
	}
	prior, err := s.Get(r.Key, address.KindScratchpad)
	if err == nil {
		var old record.Scratchpad
		if derr := decodeJSON(prior.Payload, &old); derr == nil {
			switch {
			case sp.Counter > old.Counter:
			case sp.Counter == old.Counter && sp.SameContent(old):
				return Committed, nil
			case sp.Counter == old.Counter:
				return SplitSurfaced, autonomierr.New(autonomierr.Split, "store.putScratchpad", nil)
			default:
				return Rejected, autonomierr.New(autonomierr.Validation, "store.putScratchpad", autonomierr.ErrStaleCounter)
			}
		}
	} else if !autonomierr.Is(err, autonomierr.NotFound) {
		return Rejected, err
	}
	if err := s.writeAtomic(r.Key, r.Kind, record.StripPayment(r)); err != nil {
		return Rejected, err
	}
	return Committed, nil
}

func (s *Store) putGraphEntry(r record.Record) (Outcome, error) {
	var incoming record.GraphEntry
	if err := decodeJSON(r.Payload, &incoming); err != nil {
		return Rejected, autonomierr.New(autonomierr.Protocol, "store.putGraphEntry", err)
	}
	if err := record.VerifyGraphEntry(r.Key, incoming); err != nil {
		return Rejected, err
	}
	existing, err := s.GraphEntries(r.Key)
	if err != nil {
		return Rejected, err
	}
	for _, e := range existing {
		if e.SameContent(incoming) {
			return Committed, nil // already in the set
		}
	}
	existing = append(existing, incoming)
	payload, err := encodeJSON(existing)
	if err != nil {
		return Rejected, autonomierr.New(autonomierr.Protocol, "store.putGraphEntry", err)
	}
	merged := record.Record{Key: r.Key, Kind: address.KindGraphEntry, Payload: payload}
	if err := s.writeAtomic(r.Key, r.Kind, merged); err != nil {
		return Rejected, err
	}
	return Committed, nil
}

// writeAtomic persists r to a temp file in the store directory, then
// renames over the destination, and updates the in-memory index.
func (s *Store) writeAtomic(key address.RecordKey, kind address.RecordKind, r record.Record) error {
	raw, err := record.Encode(r)
	if err != nil {
		return autonomierr.New(autonomierr.Protocol, "store.writeAtomic", err)
	}
	dest := s.pathFor(key, kind)
	tmp, err := os.CreateTemp(s.dir, ".record-*.tmp")
	if err != nil {
		return autonomierr.New(autonomierr.Resource, "store.writeAtomic", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return autonomierr.New(autonomierr.Resource, "store.writeAtomic", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return autonomierr.New(autonomierr.Resource, "store.writeAtomic", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return autonomierr.New(autonomierr.Resource, "store.writeAtomic", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return autonomierr.New(autonomierr.Resource, "store.writeAtomic", err)
	}
	s.mu.Lock()
	s.index[recordFileName(key, kind)] = Entry{Key: key, Kind: kind}
	s.mu.Unlock()
	return nil
}

// Prune removes every record whose key lies strictly outside radius
// from the node's own key (spec §3 invariant 4 / §4.4 step 5).
func (s *Store) Prune(radius address.KadKey) int {
	radiusInt := new(big.Int).SetBytes(radius[:])
	s.mu.Lock()
	var toRemove []string
	for name, e := range s.index {
		d := address.Distance(s.selfKey, e.Key)
		if d.Cmp(radiusInt) > 0 {
			toRemove = append(toRemove, name)
		}
	}
	for _, name := range toRemove {
		e := s.index[name]
		os.Remove(s.pathFor(e.Key, e.Kind))
		delete(s.index, name)
	}
	s.mu.Unlock()
	return len(toRemove)
}

// StoreCost implements the monotone price curve of spec §4.1:
// price = base * f(load) * g(radius), f convex in load, g rising as
// the radius shrinks.
func (s *Store) StoreCost(base uint64, responsibilityRadius address.KadKey) uint64 {
	s.mu.RLock()
	stored := len(s.index)
	s.mu.RUnlock()

	load := float64(stored) / float64(s.capacity)
	if load > 1 {
		load = 1
	}
	f := 1 + load*load*4 // convex: five times the empty-store factor at full load

	maxDist := new(big.Int).SetBytes(bytesOfOnes(32))
	radiusInt := new(big.Int).SetBytes(responsibilityRadius[:])
	// A zero/unset radius means the node hasn't completed its first
	// reconciliation tick yet (replication.Engine.Radius starts at the
	// zero value), not that its responsibility has shrunk to a point;
	// treat it as maximum responsibility (g=1) rather than infinitesimal.
	radiusFrac := 1.0
	if radiusInt.Sign() > 0 {
		radiusFrac, _ = new(big.Rat).SetFrac(radiusInt, maxDist).Float64()
		if radiusFrac <= 0 {
			radiusFrac = 1e-9
		}
	}
	g := 1 / radiusFrac // shrinking radius -> rising cost

	return uint64(float64(base) * f * g)
}

func bytesOfOnes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xff
	}
	return b
}

func decodeJSON(b []byte, v any) error { return json.Unmarshal(b, v) }
func encodeJSON(v any) ([]byte, error) { return json.Marshal(v) }
