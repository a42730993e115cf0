// Package quote implements the price curve and signed PaymentQuote
// issuance/verification of spec §4.5, keeping a bounded LRU of recently
// issued quotes so put acceptance can check a proof references a prior
// quote response. Uses zap for its audit trail, matching the teacher's
// own mixed zap/logrus usage within core/storage.go (logrus for
// operational logs, zap for the accounting/audit path).
package quote

import (
	"crypto/ed25519"
	"encoding/binary"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/autonomi-go/antcore/internal/address"
	"github.com/autonomi-go/antcore/internal/autonomierr"
	"github.com/autonomi-go/antcore/internal/store"
)

// DefaultTTL is the default quote lifetime, spec §4.5.
const DefaultTTL = time.Hour

// PaymentQuote is the signed, time-bounded promise of spec §4.5/§6.
type PaymentQuote struct {
	ContentKey address.RecordKey `json:"content_key"`
	Price      uint64            `json:"price"`
	IssuedAt   int64             `json:"issued_at"`
	NodePubKey ed25519.PublicKey `json:"node_pubkey"`
	Signature  []byte            `json:"signature"`
}

// CanonicalBytes builds the exact bytes-for-signing of spec §6:
// content_key || price_le_bytes || issued_at_unix_seconds_le.
func CanonicalBytes(key address.RecordKey, price uint64, issuedAt int64) []byte {
	buf := make([]byte, 0, len(key)+16)
	buf = append(buf, key[:]...)
	var pb, ib [8]byte
	binary.LittleEndian.PutUint64(pb[:], price)
	binary.LittleEndian.PutUint64(ib[:], uint64(issuedAt))
	buf = append(buf, pb[:]...)
	buf = append(buf, ib[:]...)
	return buf
}

// Engine issues and verifies quotes on behalf of one node.
type Engine struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	ttl  time.Duration
	base uint64

	store *store.Store
	audit *zap.SugaredLogger

	issued *lru.Cache[address.RecordKey, PaymentQuote]
}

// New builds a quote Engine. cacheSize bounds the number of recently
// issued quotes retained for payment-proof cross-checking.
func New(priv ed25519.PrivateKey, st *store.Store, baseCost uint64, cacheSize int, audit *zap.Logger) (*Engine, error) {
	cache, err := lru.New[address.RecordKey, PaymentQuote](cacheSize)
	if err != nil {
		return nil, autonomierr.New(autonomierr.Resource, "quote.New", err)
	}
	return &Engine{
		priv:   priv,
		pub:    priv.Public().(ed25519.PublicKey),
		ttl:    DefaultTTL,
		base:   baseCost,
		store:  st,
		audit:  audit.Sugar(),
		issued: cache,
	}, nil
}

// WithTTL overrides the default quote lifetime.
func (e *Engine) WithTTL(ttl time.Duration) *Engine {
	e.ttl = ttl
	return e
}

// CurrentPrice recomputes this node's current store cost for radius
// without consulting (or populating) the issued-quote cache, so put
// acceptance can verify a proof's amount even when no cached quote
// covers its content key (spec §4.6 step 2 is unconditional on a cache
// hit: it mandates checking the amount against the node's current
// store_cost() regardless).
func (e *Engine) CurrentPrice(responsibilityRadius address.KadKey) uint64 {
	return e.store.StoreCost(e.base, responsibilityRadius)
}

// Issue computes the current store cost for key and signs a quote.
func (e *Engine) Issue(key address.RecordKey, responsibilityRadius address.KadKey, now time.Time) PaymentQuote {
	price := e.store.StoreCost(e.base, responsibilityRadius)
	q := PaymentQuote{
		ContentKey: key,
		Price:      price,
		IssuedAt:   now.Unix(),
		NodePubKey: e.pub,
	}
	q.Signature = ed25519.Sign(e.priv, CanonicalBytes(key, price, q.IssuedAt))
	e.issued.Add(key, q)
	e.audit.Infow("quote issued", "key", key.String(), "price", price)
	return q
}

// Verify checks a quote's signature and TTL, spec §4.5.
func Verify(q PaymentQuote, now time.Time, ttl time.Duration) error {
	if now.Sub(time.Unix(q.IssuedAt, 0)) > ttl {
		return autonomierr.New(autonomierr.Payment, "quote.Verify", autonomierr.ErrQuoteExpired)
	}
	if !ed25519.Verify(q.NodePubKey, CanonicalBytes(q.ContentKey, q.Price, q.IssuedAt), q.Signature) {
		return autonomierr.New(autonomierr.Payment, "quote.Verify", autonomierr.ErrQuoteBadSig)
	}
	return nil
}

// WasIssuedFor reports whether this engine issued a (still-cached) quote
// for key, the check put-acceptance uses to confirm a ProofOfPayment
// references a prior quote response for this content key.
func (e *Engine) WasIssuedFor(key address.RecordKey) (PaymentQuote, bool) {
	return e.issued.Get(key)
}
