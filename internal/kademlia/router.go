// Package kademlia implements the routing layer of spec §4.2: k-buckets
// over the 256-bit XOR key space, bootstrap, closest-peer selection from
// the local routing table, and quorum-aware get/put against the close group. The bucket
// index and distance math generalize the teacher's core/kademlia.go
// (160-bit NodeID buckets) to the spec's 256-bit key space and its
// quorum/provider-record surface.
package kademlia

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/autonomi-go/antcore/internal/address"
	"github.com/autonomi-go/antcore/internal/autonomierr"
	"github.com/autonomi-go/antcore/internal/record"
)

const (
	BucketSize          = 20 // k
	Alpha               = 3  // concurrent lookup dials
	ConcurrentDials     = 3
	MaxPeersBeforeStop  = 5
	CloseGroupSize      = 5
)

// PeerInfo is a routed peer and its last known addresses.
type PeerInfo struct {
	ID    address.PeerID
	Addrs []string
}

// QuorumPolicy decides how many agreeing responses are required for a
// get_record lookup to resolve, spec §4.2.
type QuorumPolicy struct {
	kind string
	n    int
}

func All() QuorumPolicy      { return QuorumPolicy{kind: "all"} }
func Majority() QuorumPolicy { return QuorumPolicy{kind: "majority"} }
func N(k int) QuorumPolicy   { return QuorumPolicy{kind: "n", n: k} }

// Satisfied reports whether agree-out-of-total responses meet this
// quorum policy.
func (q QuorumPolicy) Satisfied(agree, total int) bool {
	switch q.kind {
	case "all":
		return total > 0 && agree == total
	case "majority":
		return agree*2 > total
	case "n":
		return agree >= q.n
	default:
		return false
	}
}

// Transport is the narrow capability the router needs from the network
// layer: dial, direct-addressed get/put. Concrete implementation lives
// in internal/p2p; kept as an interface here per spec §9's "capability
// structs with narrow interfaces" guidance.
type Transport interface {
	Dial(ctx context.Context, peer PeerInfo) error
	RequestRecord(ctx context.Context, peer PeerInfo, key address.RecordKey, kind address.RecordKind) (record.Record, error)
	SendRecord(ctx context.Context, peer PeerInfo, r record.Record) error
	Identify(ctx context.Context, peer PeerInfo) (address.PeerID, error)
}

// GetResult is the tagged outcome of get_record: exactly one of Record,
// Split, or NotFound is populated, mirroring spec §4.9's "split as
// first-class result" design note.
type GetResult struct {
	Record  *record.Record
	Split   map[address.PeerID]record.Record
	NotFound bool
}

// Router is the Kademlia routing table plus its lookup operations.
type Router struct {
	self      address.PeerID
	selfKey   address.KadKey
	transport Transport
	log       *logrus.Logger

	mu      sync.RWMutex
	buckets [256][]PeerInfo

	provMu    sync.RWMutex
	providers map[address.KadKey]map[address.PeerID]struct{}
}

// New builds a Router bound to a local peer identity.
func New(self address.PeerID, transport Transport, log *logrus.Logger) *Router {
	return &Router{
		self:      self,
		selfKey:   self.Key(),
		transport: transport,
		log:       log,
		providers: make(map[address.KadKey]map[address.PeerID]struct{}),
	}
}

// SelfKey exposes the router's own key, e.g. for store-cost radius math.
func (r *Router) SelfKey() address.KadKey { return r.selfKey }

// AddPeer inserts (or refreshes) a peer into its bucket.
func (r *Router) AddPeer(p PeerInfo) {
	if p.ID == r.self {
		return
	}
	idx := address.BucketIndex(r.selfKey, p.ID.Key())
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket := r.buckets[idx]
	for i, existing := range bucket {
		if existing.ID == p.ID {
			bucket[i] = p
			return
		}
	}
	if len(bucket) >= BucketSize {
		bucket = bucket[1:] // evict least-recently-seen (front)
	}
	r.buckets[idx] = append(bucket, p)
}

// RemovePeer drops a peer from its bucket.
func (r *Router) RemovePeer(id address.PeerID) {
	idx := address.BucketIndex(r.selfKey, id.Key())
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket := r.buckets[idx]
	for i, existing := range bucket {
		if existing.ID == id {
			r.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// allPeers returns a flat snapshot of every routed peer.
func (r *Router) allPeers() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []PeerInfo
	for _, bucket := range r.buckets {
		out = append(out, bucket...)
	}
	return out
}

// ClosestPeers returns up to n peers from the local routing table,
// sorted by XOR distance to key, tie-broken lexicographically on
// PeerID (spec §4.2). It sends no queries to other peers, so peers
// this node has not yet added to its table are never returned.
func (r *Router) ClosestPeers(ctx context.Context, key address.KadKey, n int) []PeerInfo {
	peers := r.allPeers()
	sort.Slice(peers, func(i, j int) bool {
		return address.Less(key, peers[i].ID.Key(), peers[j].ID.Key())
	})
	if len(peers) > n {
		peers = peers[:n]
	}
	return peers
}

// Bootstrap dials up to ConcurrentDials seeds in parallel, stopping
// once the routing table holds MaxPeersBeforeStop peers or the seed
// queue drains (spec §4.2).
func (r *Router) Bootstrap(ctx context.Context, seeds []PeerInfo) error {
	sem := make(chan struct{}, ConcurrentDials)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, seed := range seeds {
		if r.countPeers() >= MaxPeersBeforeStop {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(s PeerInfo) {
			defer wg.Done()
			defer func() { <-sem }()
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := r.transport.Dial(dialCtx, s); err != nil {
				r.log.WithError(err).WithField("peer", s.ID).Warn("bootstrap dial failed")
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			r.AddPeer(s)
		}(seed)
	}
	wg.Wait()
	if r.countPeers() == 0 && firstErr != nil {
		return autonomierr.New(autonomierr.Transport, "kademlia.Bootstrap", firstErr)
	}
	return nil
}

func (r *Router) countPeers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, b := range r.buckets {
		n += len(b)
	}
	return n
}

// GetRecord issues parallel reads to the close group and resolves per
// the given quorum policy, spec §4.2.
func (r *Router) GetRecord(ctx context.Context, key address.RecordKey, kind address.RecordKind, quorum QuorumPolicy) (GetResult, error) {
	peers := r.ClosestPeers(ctx, key, CloseGroupSize)
	if len(peers) == 0 {
		return GetResult{}, autonomierr.New(autonomierr.Transport, "kademlia.GetRecord", autonomierr.ErrEmptyCloseGroup)
	}

	type response struct {
		peer address.PeerID
		rec  record.Record
		err  error
	}
	responses := make(chan response, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(Alpha)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			rec, err := r.transport.RequestRecord(gctx, p, key, kind)
			responses <- response{peer: p.ID, rec: rec, err: err}
			return nil
		})
	}
	_ = g.Wait()
	close(responses)

	byContent := make(map[string][]response)
	var successes int
	for resp := range responses {
		if resp.err != nil {
			continue
		}
		successes++
		h := contentHash(resp.rec)
		byContent[h] = append(byContent[h], resp)
	}
	if successes == 0 {
		return GetResult{NotFound: true}, nil
	}

	for _, group := range byContent {
		if quorum.Satisfied(len(group), len(peers)) {
			rec := group[0].rec
			return GetResult{Record: &rec}, nil
		}
	}

	split := make(map[address.PeerID]record.Record, successes)
	for _, group := range byContent {
		for _, resp := range group {
			split[resp.peer] = resp.rec
		}
	}
	return GetResult{Split: split}, nil
}

func contentHash(r record.Record) string {
	enc, err := record.Encode(record.StripPayment(r))
	if err != nil {
		return ""
	}
	return string(enc)
}

// PutResult is the per-peer outcome of a direct-addressed put.
type PutResult struct {
	Peer address.PeerID
	Err  error
}

// PutRecord performs a direct-addressed put against the given target
// peers, spec §4.2.
func (r *Router) PutRecord(ctx context.Context, rec record.Record, targets []PeerInfo) []PutResult {
	results := make([]PutResult, len(targets))
	var wg sync.WaitGroup
	for i, p := range targets {
		wg.Add(1)
		go func(i int, p PeerInfo) {
			defer wg.Done()
			err := r.transport.SendRecord(ctx, p, rec)
			results[i] = PutResult{Peer: p.ID, Err: err}
		}(i, p)
	}
	wg.Wait()
	return results
}

// Provide announces self as a provider of key. Provide/GetProviders are
// the Kademlia provider-record primitives, used sparingly per spec
// §4.2 since record data is the primary store.
func (r *Router) Provide(key address.KadKey) {
	r.provMu.Lock()
	defer r.provMu.Unlock()
	set, ok := r.providers[key]
	if !ok {
		set = make(map[address.PeerID]struct{})
		r.providers[key] = set
	}
	set[r.self] = struct{}{}
}

// GetProviders returns the known providers of key.
func (r *Router) GetProviders(key address.KadKey) []address.PeerID {
	r.provMu.RLock()
	defer r.provMu.RUnlock()
	set := r.providers[key]
	out := make([]address.PeerID, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}
