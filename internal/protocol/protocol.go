// Package protocol implements the put/get orchestration of spec §4.6:
// client-side close-group fan-out (quote -> pay -> upload) and
// node-side payment-verified acceptance. Per-kind dispatch mirrors
// autonomi-core/src/client/record_get.rs's match over DataTypes.
package protocol

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/autonomi-go/antcore/internal/address"
	"github.com/autonomi-go/antcore/internal/autonomierr"
	"github.com/autonomi-go/antcore/internal/kademlia"
	"github.com/autonomi-go/antcore/internal/ledger"
	"github.com/autonomi-go/antcore/internal/quote"
	"github.com/autonomi-go/antcore/internal/record"
	"github.com/autonomi-go/antcore/internal/resolve"
	"github.com/autonomi-go/antcore/internal/store"
)

// RetryStrategy controls per-peer retry on transient transport failures
// (spec §4.6). Quick is the default: 3 attempts, exponential backoff
// capped at 30s.
type RetryStrategy struct {
	Attempts int
	Backoff  time.Duration
	Cap      time.Duration
}

// Quick is spec §4.6's default retry strategy.
func Quick() RetryStrategy {
	return RetryStrategy{Attempts: 3, Backoff: time.Second, Cap: 30 * time.Second}
}

func (s RetryStrategy) run(ctx context.Context, op func() error) error {
	backoff := s.Backoff
	var lastErr error
	for attempt := 0; attempt < s.Attempts; attempt++ {
		if err := op(); err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.Cap {
				backoff = s.Cap
			}
			continue
		}
		return nil
	}
	return lastErr
}

// QuoteResponse is one peer's quoted price for a content key.
type QuoteResponse struct {
	Peer  address.PeerID
	Quote quote.PaymentQuote
}

// QuoteRequester is the capability to ask a peer for a quote, backed by
// the same transport that serves record gets/puts.
type QuoteRequester interface {
	RequestQuote(ctx context.Context, peer kademlia.PeerInfo, key address.RecordKey) (quote.PaymentQuote, error)
}

// PutClient drives one client-side put (spec §4.6 "Client put").
type PutClient struct {
	router  *kademlia.Router
	quotes  QuoteRequester
	payer   ledger.PaymentLedger
	retry   RetryStrategy
	quorum  address.RecordKind // not read; Put takes its quorum from quorumFor(r.Kind)
	log     *logrus.Logger
}

// NewPutClient builds a PutClient.
func NewPutClient(router *kademlia.Router, quotes QuoteRequester, payer ledger.PaymentLedger, log *logrus.Logger) *PutClient {
	return &PutClient{router: router, quotes: quotes, payer: payer, retry: Quick(), log: log}
}

// quorumFor returns the acceptance quorum for a record kind: All for
// mutable CRDT kinds (with CRDT verify on replay), Majority for chunks,
// spec §4.6 step 6's default.
func quorumFor(kind address.RecordKind) kademlia.QuorumPolicy {
	if kind == address.KindChunk {
		return kademlia.Majority()
	}
	return kademlia.All()
}

// Put runs the full client-side put for one record: quote collection,
// payment, close-group fan-out, and quorum-gated acceptance. It returns
// the proof of payment assembled during the put so callers that batch
// many records (internal/client) can build their own receipts without
// relying on a value receiver's mutation being visible to the caller.
func (c *PutClient) Put(ctx context.Context, r record.Record) (*record.ProofOfPayment, error) {
	closeGroup := c.router.ClosestPeers(ctx, r.Key, kademlia.CloseGroupSize)
	if len(closeGroup) == 0 {
		return nil, autonomierr.New(autonomierr.Transport, "protocol.Put", autonomierr.ErrEmptyCloseGroup)
	}

	rawQuotes := make(map[address.RecordKey][]ledger.RawQuote)
	for _, peer := range closeGroup {
		q, err := c.quotes.RequestQuote(ctx, peer, r.Key)
		if err != nil {
			continue // discard invalid/expired/unreachable, spec §4.6 step 3
		}
		if err := quote.Verify(q, time.Now(), quote.DefaultTTL); err != nil {
			continue
		}
		rawQuotes[r.Key] = append(rawQuotes[r.Key], ledger.RawQuote{Payee: peer.ID, Price: q.Price})
	}
	if len(rawQuotes[r.Key]) == 0 {
		return nil, autonomierr.New(autonomierr.Payment, "protocol.Put", autonomierr.ErrPaymentShortfall)
	}

	proof, err := c.payer.Pay(ctx, rawQuotes)
	if err != nil {
		return nil, autonomierr.New(autonomierr.Payment, "protocol.Put", err)
	}
	r.Payment = proof

	var results []kademlia.PutResult
	err = c.retry.run(ctx, func() error {
		results = c.router.PutRecord(ctx, r, closeGroup)
		for _, res := range results {
			if res.Err == nil {
				return nil
			}
		}
		return autonomierr.New(autonomierr.Transport, "protocol.Put", results[0].Err)
	})
	if err != nil {
		return nil, err
	}

	ok := 0
	for _, res := range results {
		if res.Err == nil {
			ok++
		}
	}
	if !quorumFor(r.Kind).Satisfied(ok, len(results)) {
		return nil, autonomierr.New(autonomierr.Payment, "protocol.Put", autonomierr.ErrPaymentShortfall)
	}
	return proof, nil
}

// Satisfied exposes QuorumPolicy's acceptance check for callers outside
// the kademlia package (e.g. protocol's own quorum gate above).
func Satisfied(q kademlia.QuorumPolicy, agree, total int) bool {
	return q.Satisfied(agree, total)
}

// GetClient drives client-side get (spec §4.6 "Client get").
type GetClient struct {
	router *kademlia.Router
	retry  RetryStrategy
}

// NewGetClient builds a GetClient.
func NewGetClient(router *kademlia.Router) *GetClient {
	return &GetClient{router: router, retry: Quick()}
}

// Get fetches a record, resolving Split for mutable kinds via
// internal/resolve and retrying NotFound per the configured strategy.
func (c *GetClient) Get(ctx context.Context, key address.RecordKey, kind address.RecordKind) (record.Record, error) {
	var result kademlia.GetResult
	err := c.retry.run(ctx, func() error {
		var err error
		result, err = c.router.GetRecord(ctx, key, kind, kademlia.Majority())
		if err != nil {
			return err
		}
		if result.NotFound {
			return autonomierr.New(autonomierr.NotFound, "protocol.Get", autonomierr.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return record.Record{}, err
	}
	if result.Record != nil {
		return *result.Record, nil
	}

	switch kind {
	case address.KindPointer:
		resolved, rerr := resolve.ResolvePointer(key, result.Split)
		if rerr != nil {
			return record.Record{}, rerr
		}
		if resolved.Value == nil {
			return record.Record{}, autonomierr.New(autonomierr.Split, "protocol.Get", nil)
		}
		payload, _ := encodeJSON(*resolved.Value)
		return record.Record{Key: key, Kind: kind, Payload: payload}, nil
	case address.KindScratchpad:
		resolved, rerr := resolve.ResolveScratchpad(key, result.Split)
		if rerr != nil {
			return record.Record{}, rerr
		}
		if resolved.Value == nil {
			return record.Record{}, autonomierr.New(autonomierr.Split, "protocol.Get", nil)
		}
		payload, _ := encodeJSON(*resolved.Value)
		return record.Record{Key: key, Kind: kind, Payload: payload}, nil
	default:
		return record.Record{}, autonomierr.New(autonomierr.Split, "protocol.Get", nil)
	}
}

// NodeAcceptance implements node-side put acceptance, spec §4.6's
// "Node put acceptance" steps 1-4.
type NodeAcceptance struct {
	store       *store.Store
	quotes      *quote.Engine
	payLedger   ledger.PaymentLedger
	closeGroupN int
	radius      func() address.KadKey
}

// NewNodeAcceptance builds a NodeAcceptance validator. radius reports
// the node's current responsibility radius (spec §4.4), used to price
// puts whose proof references no quote still held in the engine's
// issuance cache; a nil radius behaves as an as-yet-unnarrowed node
// (the zero KadKey, spec §4.1's "max responsibility" default).
func NewNodeAcceptance(st *store.Store, quotes *quote.Engine, payLedger ledger.PaymentLedger, closeGroupN int, radius func() address.KadKey) *NodeAcceptance {
	return &NodeAcceptance{store: st, quotes: quotes, payLedger: payLedger, closeGroupN: closeGroupN, radius: radius}
}

func (n *NodeAcceptance) currentRadius() address.KadKey {
	if n.radius == nil {
		return address.KadKey{}
	}
	return n.radius()
}

// Accept validates an inbound record and, if acceptable, commits it.
func (n *NodeAcceptance) Accept(ctx context.Context, r record.Record) (store.Outcome, error) {
	if !r.Kind.Valid() {
		return store.Rejected, autonomierr.New(autonomierr.Protocol, "protocol.Accept", autonomierr.ErrUnknownKind)
	}

	if r.Payment == nil {
		return store.Rejected, autonomierr.New(autonomierr.Payment, "protocol.Accept", autonomierr.ErrPaymentShortfall)
	}
	payeeSet := make(map[address.PeerID]struct{}, len(r.Payment.Payees))
	for _, p := range r.Payment.Payees {
		payeeSet[p] = struct{}{}
	}
	if len(payeeSet) < n.closeGroupN {
		return store.Rejected, autonomierr.New(autonomierr.Payment, "protocol.Accept", autonomierr.ErrPaymentShortfall)
	}
	// spec §4.6 step 2 mandates this check unconditionally: a proof must
	// cover the node's current store_cost() and be within TTL whether or
	// not a matching quote is still in the issuance cache. Prefer the
	// cached quote's exact price/issued-at when one is still held (it is
	// the quote this proof actually answers); fall back to the node's
	// current store cost and the proof's own issued-at otherwise, rather
	// than treating a cache miss as a pass.
	minAmount := n.quotes.CurrentPrice(n.currentRadius())
	issuedAt := r.Payment.IssuedAt
	if issued, ok := n.quotes.WasIssuedFor(r.Key); ok {
		minAmount = issued.Price
		issuedAt = issued.IssuedAt
	}
	ok, err := n.payLedger.Verify(ctx, r.Payment, r.Key, minAmount)
	if err != nil {
		return store.Rejected, autonomierr.New(autonomierr.Payment, "protocol.Accept", err)
	}
	if !ok {
		return store.Rejected, autonomierr.New(autonomierr.Payment, "protocol.Accept", autonomierr.ErrPaymentShortfall)
	}
	if time.Since(time.Unix(issuedAt, 0)) > quote.DefaultTTL {
		return store.Rejected, autonomierr.New(autonomierr.Payment, "protocol.Accept", autonomierr.ErrPaymentStale)
	}

	return n.store.Put(r)
}

func encodeJSON(v any) ([]byte, error) { return json.Marshal(v) }
