// Package record implements the framed record codec (spec §2/§6): the
// fixed binary header plus kind-specific payload bodies for chunks,
// pointers, scratchpads, and graph entries.
package record

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/autonomi-go/antcore/internal/address"
	"github.com/autonomi-go/antcore/internal/autonomierr"
)

// MaxChunkSize bounds an immutable chunk's payload, spec §4.1/§4.7.
const MaxChunkSize = 4 << 20 // 4 MiB

// MaxScratchpadSize bounds a scratchpad's encrypted payload, spec §4.1.
const MaxScratchpadSize = 4 << 20

const headerLen = 1 + 1 + 4 + 4

const flagHasPayment = 1 << 0

// Header is the bit-exact 10-byte record header from spec §6.
type Header struct {
	Kind       address.RecordKind
	HasPayment bool
	PaymentLen uint32
	PayloadLen uint32
}

// EncodeHeader writes the fixed header layout:
// kind_tag:u8 || flags:u8 || payment_len:u32_le || payload_len:u32_le
func EncodeHeader(h Header) []byte {
	buf := make([]byte, headerLen)
	buf[0] = byte(h.Kind)
	if h.HasPayment {
		buf[1] = flagHasPayment
	}
	binary.LittleEndian.PutUint32(buf[2:6], h.PaymentLen)
	binary.LittleEndian.PutUint32(buf[6:10], h.PayloadLen)
	return buf
}

// DecodeHeader parses the fixed header layout, rejecting unknown kinds.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerLen {
		return Header{}, autonomierr.New(autonomierr.Protocol, "record.DecodeHeader", fmt.Errorf("short header: %d bytes", len(buf)))
	}
	kind := address.RecordKind(buf[0])
	if !kind.Valid() {
		return Header{}, autonomierr.New(autonomierr.Protocol, "record.DecodeHeader", autonomierr.ErrUnknownKind)
	}
	return Header{
		Kind:       kind,
		HasPayment: buf[1]&flagHasPayment != 0,
		PaymentLen: binary.LittleEndian.Uint32(buf[2:6]),
		PayloadLen: binary.LittleEndian.Uint32(buf[6:10]),
	}, nil
}

// ProofOfPayment is the opaque receipt a PaymentLedger hands back; its
// shape is owned by the ledger, this repo only carries it verbatim.
type ProofOfPayment struct {
	Payees    []address.PeerID `json:"payees"`
	Amount    uint64           `json:"amount"`
	IssuedAt  int64            `json:"issued_at"`
	LedgerRef string           `json:"ledger_ref"`
}

// Record is the persisted/on-wire unit described in spec §3.
type Record struct {
	Key       address.RecordKey      `json:"key"`
	Kind      address.RecordKind     `json:"kind"`
	Payload   []byte                 `json:"payload"`
	Payment   *ProofOfPayment        `json:"payment,omitempty"`
	Publisher *address.PeerID        `json:"publisher,omitempty"`
}

// Encode serializes a record to its wire form: header || payment(json)? || payload.
func Encode(r Record) ([]byte, error) {
	var paymentBytes []byte
	if r.Payment != nil {
		b, err := json.Marshal(r.Payment)
		if err != nil {
			return nil, autonomierr.New(autonomierr.Protocol, "record.Encode", err)
		}
		paymentBytes = b
	}
	h := Header{
		Kind:       r.Kind,
		HasPayment: r.Payment != nil,
		PaymentLen: uint32(len(paymentBytes)),
		PayloadLen: uint32(len(r.Payload)),
	}
	out := make([]byte, 0, headerLen+len(paymentBytes)+len(r.Payload))
	out = append(out, EncodeHeader(h)...)
	out = append(out, paymentBytes...)
	out = append(out, r.Payload...)
	return out, nil
}

// Decode parses the wire form back into a Record. The wire form carries
// only kind and bytes, so Key is taken from the key argument (the
// NetworkAddress that drove the request).
func Decode(key address.RecordKey, buf []byte) (Record, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Record{}, err
	}
	rest := buf[headerLen:]
	if uint32(len(rest)) < h.PaymentLen+h.PayloadLen {
		return Record{}, autonomierr.New(autonomierr.Protocol, "record.Decode", fmt.Errorf("truncated body"))
	}
	r := Record{Key: key, Kind: h.Kind}
	if h.HasPayment {
		var p ProofOfPayment
		if err := json.Unmarshal(rest[:h.PaymentLen], &p); err != nil {
			return Record{}, autonomierr.New(autonomierr.Protocol, "record.Decode", err)
		}
		r.Payment = &p
		rest = rest[h.PaymentLen:]
	}
	r.Payload = append([]byte(nil), rest[:h.PayloadLen]...)
	return r, nil
}

// StripPayment returns a copy of r with the payment bytes dropped,
// matching the node-side "commit to local store, drop the payment
// bytes" rule of spec §4.6 step 4.
func StripPayment(r Record) Record {
	r.Payment = nil
	return r
}

// Chunk is the immutable payload kind: address = H(value).
type Chunk struct {
	Value []byte
}

// VerifyChunk checks the content-addressing invariant: key == H(payload).
func VerifyChunk(key address.RecordKey, value []byte) error {
	if len(value) > MaxChunkSize {
		return autonomierr.New(autonomierr.Validation, "record.VerifyChunk", autonomierr.ErrSizeOverflow)
	}
	want := address.HashKadKey(value)
	if want != key {
		return autonomierr.New(autonomierr.Validation, "record.VerifyChunk", autonomierr.ErrWrongKey)
	}
	return nil
}

// Pointer is the mutable owner-signed kind targeting another address.
type Pointer struct {
	OwnerPK ed25519.PublicKey `json:"owner_pk"`
	Counter uint64            `json:"counter"`
	Target  address.RecordKey `json:"target"`
	Sig     []byte            `json:"sig"`
}

func pointerCanonicalBytes(owner ed25519.PublicKey, counter uint64, target address.RecordKey) []byte {
	buf := make([]byte, 0, len(owner)+8+len(target))
	buf = append(buf, owner...)
	var cb [8]byte
	binary.LittleEndian.PutUint64(cb[:], counter)
	buf = append(buf, cb[:]...)
	buf = append(buf, target[:]...)
	return buf
}

// SignPointer produces the signature over a pointer's canonical bytes.
func SignPointer(priv ed25519.PrivateKey, counter uint64, target address.RecordKey) []byte {
	return ed25519.Sign(priv, pointerCanonicalBytes(priv.Public().(ed25519.PublicKey), counter, target))
}

// VerifyPointer checks key derivation and signature.
func VerifyPointer(key address.RecordKey, p Pointer) error {
	if address.HashKadKey(p.OwnerPK) != key {
		return autonomierr.New(autonomierr.Validation, "record.VerifyPointer", autonomierr.ErrWrongKey)
	}
	if !ed25519.Verify(p.OwnerPK, pointerCanonicalBytes(p.OwnerPK, p.Counter, p.Target), p.Sig) {
		return autonomierr.New(autonomierr.Validation, "record.VerifyPointer", autonomierr.ErrBadSignature)
	}
	return nil
}

// Scratchpad is the mutable owner-signed blob kind.
type Scratchpad struct {
	OwnerPK       ed25519.PublicKey `json:"owner_pk"`
	Counter       uint64            `json:"counter"`
	DataEncoding  uint64            `json:"data_encoding"`
	EncryptedData []byte            `json:"encrypted_data"`
	Sig           []byte            `json:"sig"`
}

func scratchpadCanonicalBytes(owner ed25519.PublicKey, counter, encoding uint64, data []byte) []byte {
	buf := make([]byte, 0, len(owner)+16+len(data))
	buf = append(buf, owner...)
	var cb, eb [8]byte
	binary.LittleEndian.PutUint64(cb[:], counter)
	binary.LittleEndian.PutUint64(eb[:], encoding)
	buf = append(buf, cb[:]...)
	buf = append(buf, eb[:]...)
	buf = append(buf, data...)
	return buf
}

// SignScratchpad produces the signature over a scratchpad's canonical bytes.
func SignScratchpad(priv ed25519.PrivateKey, counter, encoding uint64, data []byte) []byte {
	return ed25519.Sign(priv, scratchpadCanonicalBytes(priv.Public().(ed25519.PublicKey), counter, encoding, data))
}

// VerifyScratchpad checks signature, key derivation, and size.
// It returns distinct validation sub-reasons for size vs signature
// failures, matching record_get.rs's is_too_big() split.
func VerifyScratchpad(key address.RecordKey, s Scratchpad) error {
	if len(s.EncryptedData) > MaxScratchpadSize {
		return autonomierr.New(autonomierr.Validation, "record.VerifyScratchpad", autonomierr.ErrSizeOverflow)
	}
	if address.HashKadKey(s.OwnerPK) != key {
		return autonomierr.New(autonomierr.Validation, "record.VerifyScratchpad", autonomierr.ErrWrongKey)
	}
	if !ed25519.Verify(s.OwnerPK, scratchpadCanonicalBytes(s.OwnerPK, s.Counter, s.DataEncoding, s.EncryptedData), s.Sig) {
		return autonomierr.New(autonomierr.Validation, "record.VerifyScratchpad", autonomierr.ErrBadSignature)
	}
	return nil
}

// GraphEntry is an owner-signed DAG node; the store holds a set of these
// under one key since forks are permitted (spec §3).
type GraphEntry struct {
	OwnerPK  ed25519.PublicKey   `json:"owner_pk"`
	Parents  []address.RecordKey `json:"parents"`
	Content  []byte              `json:"content"`
	Sig      []byte              `json:"sig"`
}

func graphCanonicalBytes(e GraphEntry) []byte {
	buf := append([]byte(nil), e.OwnerPK...)
	for _, p := range e.Parents {
		buf = append(buf, p[:]...)
	}
	buf = append(buf, e.Content...)
	return buf
}

// SignGraphEntry signs a graph entry's canonical bytes.
func SignGraphEntry(priv ed25519.PrivateKey, e GraphEntry) []byte {
	e.OwnerPK = priv.Public().(ed25519.PublicKey)
	return ed25519.Sign(priv, graphCanonicalBytes(e))
}

// VerifyGraphEntry checks signature and key derivation.
func VerifyGraphEntry(key address.RecordKey, e GraphEntry) error {
	if address.HashKadKey(e.OwnerPK) != key {
		return autonomierr.New(autonomierr.Validation, "record.VerifyGraphEntry", autonomierr.ErrWrongKey)
	}
	if !ed25519.Verify(e.OwnerPK, graphCanonicalBytes(e), e.Sig) {
		return autonomierr.New(autonomierr.Validation, "record.VerifyGraphEntry", autonomierr.ErrBadSignature)
	}
	return nil
}

// SameContent reports structural equality for the purposes of §4.9's
// tie-break rule (equal counters, identical content => idempotent).
func (p Pointer) SameContent(other Pointer) bool {
	return p.Target == other.Target
}

func (s Scratchpad) SameContent(other Scratchpad) bool {
	if s.DataEncoding != other.DataEncoding || len(s.EncryptedData) != len(other.EncryptedData) {
		return false
	}
	for i := range s.EncryptedData {
		if s.EncryptedData[i] != other.EncryptedData[i] {
			return false
		}
	}
	return true
}

func (e GraphEntry) SameContent(other GraphEntry) bool {
	if len(e.Content) != len(other.Content) || len(e.Parents) != len(other.Parents) {
		return false
	}
	for i := range e.Content {
		if e.Content[i] != other.Content[i] {
			return false
		}
	}
	for i := range e.Parents {
		if e.Parents[i] != other.Parents[i] {
			return false
		}
	}
	return true
}
