// Package ledger declares the opaque PaymentLedger capability the spec
// treats as an external collaborator (spec §1/§6): this repo implements
// nothing here beyond the interface and a deterministic in-memory stub
// suitable for tests, mirroring how the teacher's core package narrows
// blockchain state behind small interfaces (BlockReader, PeerManager)
// rather than importing a concrete chain.
package ledger

import (
	"context"
	"sync"

	"github.com/autonomi-go/antcore/internal/address"
	"github.com/autonomi-go/antcore/internal/record"
)

// RawQuote is a per-peer priced promise collected before payment,
// matching autonomi's two-phase raw-quote -> priced-StoreQuote shape.
type RawQuote struct {
	Payee address.PeerID
	Price uint64
}

// PaymentLedger is the external EVM payment layer's narrow contract.
type PaymentLedger interface {
	Quote(ctx context.Context, keys []address.RecordKey, sizes []int) (map[address.RecordKey][]RawQuote, error)
	Pay(ctx context.Context, quotes map[address.RecordKey][]RawQuote) (*record.ProofOfPayment, error)
	Verify(ctx context.Context, proof *record.ProofOfPayment, key address.RecordKey, minAmount uint64) (bool, error)
}

// memLedger is a deterministic in-memory PaymentLedger used in tests and
// local single-process demos; it accepts every quote it is offered.
type memLedger struct {
	mu    sync.Mutex
	spent uint64
}

// NewInMemory returns a trivial PaymentLedger: every quote is accepted,
// payment is recorded locally, and verify succeeds for any non-nil proof
// whose Amount is at least the minimum, without checking that this
// ledger issued it.
func NewInMemory() PaymentLedger {
	return &memLedger{}
}

func (l *memLedger) Quote(_ context.Context, keys []address.RecordKey, sizes []int) (map[address.RecordKey][]RawQuote, error) {
	return nil, nil // node-issued quotes are the only quotes this repo consults
}

func (l *memLedger) Pay(_ context.Context, quotes map[address.RecordKey][]RawQuote) (*record.ProofOfPayment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var payees []address.PeerID
	var total uint64
	for _, rqs := range quotes {
		for _, rq := range rqs {
			payees = append(payees, rq.Payee)
			total += rq.Price
		}
	}
	l.spent += total
	return &record.ProofOfPayment{Payees: payees, Amount: total, LedgerRef: "mem"}, nil
}

func (l *memLedger) Verify(_ context.Context, proof *record.ProofOfPayment, _ address.RecordKey, minAmount uint64) (bool, error) {
	if proof == nil {
		return false, nil
	}
	return proof.Amount >= minAmount, nil
}
