package record

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/autonomi-go/antcore/internal/address"
	"github.com/autonomi-go/antcore/internal/autonomierr"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Kind: address.KindChunk, HasPayment: true, PaymentLen: 12, PayloadLen: 1024}
	buf := EncodeHeader(h)
	if len(buf) != headerLen {
		t.Fatalf("expected %d byte header, got %d", headerLen, len(buf))
	}
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestDecodeHeaderRejectsUnknownKind(t *testing.T) {
	buf := EncodeHeader(Header{Kind: address.RecordKind(99)})
	if _, err := DecodeHeader(buf); !errors.Is(err, autonomierr.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	if _, err := DecodeHeader([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error on short header")
	}
}

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("chunk payload bytes")
	key := address.HashKadKey(payload)
	r := Record{
		Key:     key,
		Kind:    address.KindChunk,
		Payload: payload,
		Payment: &ProofOfPayment{Payees: []address.PeerID{"p1", "p2"}, Amount: 42, LedgerRef: "ref"},
	}
	enc, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(key, enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got.Payload) != string(payload) {
		t.Fatalf("payload mismatch after round trip")
	}
	if got.Payment == nil || got.Payment.Amount != 42 || got.Payment.LedgerRef != "ref" {
		t.Fatalf("payment mismatch after round trip: %+v", got.Payment)
	}
}

func TestStripPaymentClearsPayment(t *testing.T) {
	r := Record{Payment: &ProofOfPayment{Amount: 7}}
	stripped := StripPayment(r)
	if stripped.Payment != nil {
		t.Fatalf("expected payment to be stripped")
	}
}

func TestVerifyChunkDetectsWrongKey(t *testing.T) {
	payload := []byte("data")
	if err := VerifyChunk(address.HashKadKey(payload), payload); err != nil {
		t.Fatalf("expected correctly addressed chunk to verify: %v", err)
	}
	if err := VerifyChunk(address.HashKadKey([]byte("other")), payload); !errors.Is(err, autonomierr.ErrWrongKey) {
		t.Fatalf("expected ErrWrongKey, got %v", err)
	}
}

func TestVerifyChunkRejectsOversize(t *testing.T) {
	big := make([]byte, MaxChunkSize+1)
	if err := VerifyChunk(address.HashKadKey(big), big); !errors.Is(err, autonomierr.ErrSizeOverflow) {
		t.Fatalf("expected ErrSizeOverflow, got %v", err)
	}
}

func TestPointerSignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	target := address.HashKadKey([]byte("target"))
	p := Pointer{OwnerPK: pub, Counter: 1, Target: target}
	p.Sig = SignPointer(priv, p.Counter, p.Target)

	key := address.HashKadKey(pub)
	if err := VerifyPointer(key, p); err != nil {
		t.Fatalf("VerifyPointer: %v", err)
	}

	tampered := p
	tampered.Counter = 2
	if err := VerifyPointer(key, tampered); !errors.Is(err, autonomierr.ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for tampered counter, got %v", err)
	}
}

func TestPointerVerifyRejectsWrongOwnerKey(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	target := address.HashKadKey([]byte("t"))
	p := Pointer{OwnerPK: pub, Counter: 1, Target: target}
	p.Sig = SignPointer(priv, p.Counter, p.Target)

	wrongKey := address.HashKadKey([]byte("not-the-owner"))
	if err := VerifyPointer(wrongKey, p); !errors.Is(err, autonomierr.ErrWrongKey) {
		t.Fatalf("expected ErrWrongKey, got %v", err)
	}
}

func TestScratchpadSignVerifyAndSize(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	data := []byte("scratchpad contents")
	s := Scratchpad{OwnerPK: pub, Counter: 3, DataEncoding: 1, EncryptedData: data}
	s.Sig = SignScratchpad(priv, s.Counter, s.DataEncoding, s.EncryptedData)

	key := address.HashKadKey(pub)
	if err := VerifyScratchpad(key, s); err != nil {
		t.Fatalf("VerifyScratchpad: %v", err)
	}

	oversized := s
	oversized.EncryptedData = make([]byte, MaxScratchpadSize+1)
	if err := VerifyScratchpad(key, oversized); !errors.Is(err, autonomierr.ErrSizeOverflow) {
		t.Fatalf("expected ErrSizeOverflow, got %v", err)
	}
}

func TestScratchpadSameContent(t *testing.T) {
	a := Scratchpad{DataEncoding: 1, EncryptedData: []byte("abc")}
	b := Scratchpad{DataEncoding: 1, EncryptedData: []byte("abc")}
	c := Scratchpad{DataEncoding: 1, EncryptedData: []byte("xyz")}
	if !a.SameContent(b) {
		t.Fatalf("expected identical scratchpads to be SameContent")
	}
	if a.SameContent(c) {
		t.Fatalf("expected differing payloads to not be SameContent")
	}
}

func TestGraphEntrySignAndVerify(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	e := GraphEntry{Parents: []address.RecordKey{address.HashKadKey([]byte("parent"))}, Content: []byte("node body")}
	e.Sig = SignGraphEntry(priv, e)
	e.OwnerPK = pub

	key := address.HashKadKey(pub)
	if err := VerifyGraphEntry(key, e); err != nil {
		t.Fatalf("VerifyGraphEntry: %v", err)
	}

	tampered := e
	tampered.Content = []byte("different body")
	if err := VerifyGraphEntry(key, tampered); !errors.Is(err, autonomierr.ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for tampered content, got %v", err)
	}
}
