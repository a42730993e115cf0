// Package replication implements the periodic reconciliation engine of
// spec §4.4: ask the close group for key summaries, diff against the
// local index, fetch what's missing with bounded concurrency, then
// recompute and enforce the responsibility radius. Keeps the teacher's
// Start/Stop/serial-tick/sync.WaitGroup shutdown shape and logrus
// logging from core/replication.go, replacing block-gossip with
// record reconciliation.
package replication

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/autonomi-go/antcore/internal/address"
	"github.com/autonomi-go/antcore/internal/autonomierr"
	"github.com/autonomi-go/antcore/internal/kademlia"
	"github.com/autonomi-go/antcore/internal/store"
)

// Config tunes the reconciliation loop, spec §4.4.
type Config struct {
	Interval          time.Duration
	CloseGroupSize    int
	MaxConcurrentFetch int64
	FetchTimeout      time.Duration
	ResponsibilityTopN int // "farthest record in top N" for radius recompute
}

// DefaultConfig mirrors spec §4.4's defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           time.Minute,
		CloseGroupSize:     kademlia.CloseGroupSize,
		MaxConcurrentFetch: 16,
		FetchTimeout:       10 * time.Second,
		ResponsibilityTopN: 200,
	}
}

// PeerSummaries is the capability the close group exposes for
// reconciliation: "list the (key, kind, content_hash) you hold within
// our radius."
type PeerSummaries interface {
	Summaries(ctx context.Context, peer kademlia.PeerInfo, radius address.KadKey) ([]KeySummary, error)
}

// KeySummary is one peer's description of a record it holds.
type KeySummary struct {
	Key         address.RecordKey
	Kind        address.RecordKind
	ContentHash string
}

// Engine runs the periodic reconciliation tick for one node.
type Engine struct {
	selfKey address.KadKey
	router  *kademlia.Router
	store   *store.Store
	summ    PeerSummaries
	cfg     Config
	log     *logrus.Logger

	radiusMu sync.RWMutex
	radius   address.KadKey

	closing chan struct{}
	wg      sync.WaitGroup
}

// New builds a replication Engine.
func New(selfKey address.KadKey, router *kademlia.Router, st *store.Store, summ PeerSummaries, cfg Config, log *logrus.Logger) *Engine {
	return &Engine{
		selfKey: selfKey,
		router:  router,
		store:   st,
		summ:    summ,
		cfg:     cfg,
		log:     log,
		closing: make(chan struct{}),
	}
}

// Radius returns the current responsibility radius.
func (e *Engine) Radius() address.KadKey {
	e.radiusMu.RLock()
	defer e.radiusMu.RUnlock()
	return e.radius
}

// Start launches the periodic reconciliation loop.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop signals the loop to exit and waits for the in-flight tick, if
// any, to return. A tick that sees the signal launches no further
// fetches, drops the rest of its fetch queue and returns before the
// radius recompute and prune; fetches already under way still finish.
func (e *Engine) Stop() {
	close(e.closing)
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closing:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				e.log.WithError(err).Warn("replication: reconciliation tick failed")
			}
		}
	}
}

// tick runs one serial reconciliation pass. Reconciliations never
// overlap: loop() only advances to the next ticker fire after tick
// returns.
func (e *Engine) tick(ctx context.Context) error {
	radius := e.Radius()
	closeGroup := e.router.ClosestPeers(ctx, e.selfKey, e.cfg.CloseGroupSize)
	if len(closeGroup) == 0 {
		return autonomierr.New(autonomierr.Cancelled, "replication.tick", autonomierr.ErrEmptyCloseGroup)
	}

	missing := map[address.RecordKey]address.RecordKind{}
	for _, peer := range closeGroup {
		select {
		case <-e.closing:
			return autonomierr.New(autonomierr.Cancelled, "replication.tick", autonomierr.ErrShuttingDown)
		default:
		}
		summaries, err := e.summ.Summaries(ctx, peer, radius)
		if err != nil {
			e.log.WithError(err).WithField("peer", peer.ID).Warn("replication: summary fetch failed")
			continue
		}
		for _, s := range summaries {
			if !e.store.Contains(s.Key, s.Kind) {
				missing[s.Key] = s.Kind
			}
		}
	}

	if len(missing) > 0 {
		if err := e.fetchMissing(ctx, closeGroup, missing); err != nil {
			return err
		}
	}

	e.recomputeRadius()
	pruned := e.store.Prune(e.Radius())
	if pruned > 0 {
		e.log.WithField("count", pruned).Info("replication: pruned records outside responsibility radius")
	}
	return nil
}

// fetchMissing fetches each missing key with bounded concurrency
// (default <=16 in flight), verifying and committing each on arrival.
func (e *Engine) fetchMissing(ctx context.Context, closeGroup []kademlia.PeerInfo, missing map[address.RecordKey]address.RecordKind) error {
	sem := semaphore.NewWeighted(e.cfg.MaxConcurrentFetch)
	var wg sync.WaitGroup
	stopped := false

	for key, kind := range missing {
		key, kind := key, kind
		select {
		case <-e.closing:
			stopped = true
		default:
		}
		if stopped {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			e.fetchOne(ctx, closeGroup, key, kind)
		}()
	}
	wg.Wait()
	if stopped {
		return autonomierr.New(autonomierr.Cancelled, "replication.fetchMissing", autonomierr.ErrShuttingDown)
	}
	return nil
}

func (e *Engine) fetchOne(ctx context.Context, closeGroup []kademlia.PeerInfo, key address.RecordKey, kind address.RecordKind) {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	result, err := e.router.GetRecord(fctx, key, kind, kademlia.Majority())
	if err != nil || result.Record == nil {
		e.log.WithField("key", key.String()).Debug("replication: fetch missing record unavailable this tick")
		return
	}
	if _, err := e.store.Put(*result.Record); err != nil {
		e.log.WithError(err).WithField("key", key.String()).Warn("replication: fetched record failed validation")
	}
}

// recomputeRadius sets responsibility_radius = distance(self, farthest
// record among the top N closest stored records), spec §4.4 step 5.
func (e *Engine) recomputeRadius() {
	entries := e.store.Addresses()
	if len(entries) == 0 {
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		return address.Less(e.selfKey, entries[i].Key, entries[j].Key)
	})
	topN := entries
	if len(topN) > e.cfg.ResponsibilityTopN {
		topN = topN[:e.cfg.ResponsibilityTopN]
	}
	farthest := topN[len(topN)-1]
	d := address.Distance(e.selfKey, farthest.Key)
	var radius address.KadKey
	d.FillBytes(radius[:])
	e.radiusMu.Lock()
	e.radius = radius
	e.radiusMu.Unlock()
}
