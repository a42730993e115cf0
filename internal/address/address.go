// Package address implements the content-addressed key space: peer ids,
// the 256-bit XOR key space they and every record live in, and the tagged
// union of addressable network targets.
package address

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"

	"github.com/ipfs/go-cid"
	ma "github.com/multiformats/go-multiaddr"
	mh "github.com/multiformats/go-multihash"
)

// KadKey is a point in the 256-bit XOR key space shared by peers and
// records alike.
type KadKey [32]byte

// HashKadKey derives a KadKey by hashing data into the key space.
func HashKadKey(data []byte) KadKey {
	return KadKey(sha256.Sum256(data))
}

// String renders the key as lowercase hex.
func (k KadKey) String() string {
	return hex.EncodeToString(k[:])
}

// CID renders the key as a CIDv1 over a raw-codec sha2-256 multihash, the
// same construction the teacher's storage façade uses for pinned data.
func (k KadKey) CID() (cid.Cid, error) {
	digest, err := mh.Sum(k[:], mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, digest), nil
}

// Distance returns the XOR distance between two keys as a big.Int, ready
// for magnitude comparison and bit-length bucket selection.
func Distance(a, b KadKey) *big.Int {
	var diff [32]byte
	for i := range diff {
		diff[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(diff[:])
}

// BucketIndex returns the k-bucket index (0..255) that b falls into when
// viewed from a, i.e. 255 - (bit length of the XOR distance - 1). A zero
// distance (self) is placed in the last bucket.
func BucketIndex(a, b KadKey) int {
	d := Distance(a, b)
	if d.Sign() == 0 {
		return 255
	}
	return 255 - d.BitLen() + 1
}

// Less orders two keys by distance-to-target first, then lexicographically
// on the keys themselves; this is the tie-break rule spec §4.2 calls for
// when sorting closest-peer results.
func Less(target, a, b KadKey) bool {
	da, db := Distance(target, a), Distance(target, b)
	if c := da.Cmp(db); c != 0 {
		return c < 0
	}
	return a.String() < b.String()
}

// PeerID identifies a network peer; it is the hash of that peer's
// long-lived public key.
type PeerID string

// Key hashes the peer id into the shared XOR key space.
func (p PeerID) Key() KadKey {
	return HashKadKey([]byte(p))
}

func (p PeerID) Less(other PeerID) bool {
	return p < other
}

// RecordKind enumerates the four addressable data kinds in wire order;
// the numeric values are load-bearing (they are the header's kind_tag).
type RecordKind uint8

const (
	KindChunk      RecordKind = 1
	KindGraphEntry RecordKind = 2
	KindPointer    RecordKind = 3
	KindScratchpad RecordKind = 4
)

func (k RecordKind) String() string {
	switch k {
	case KindChunk:
		return "Chunk"
	case KindGraphEntry:
		return "GraphEntry"
	case KindPointer:
		return "Pointer"
	case KindScratchpad:
		return "Scratchpad"
	default:
		return "Unknown"
	}
}

// Valid reports whether k is one of the four known record kinds.
func (k RecordKind) Valid() bool {
	switch k {
	case KindChunk, KindGraphEntry, KindPointer, KindScratchpad:
		return true
	default:
		return false
	}
}

// NetworkAddress is the tagged union over addressable kinds: a record of
// a given kind at a given key, or a bare peer.
type NetworkAddress struct {
	Kind RecordKind // zero value means Peer
	Key  KadKey
	Peer PeerID
}

// ChunkAddress builds a NetworkAddress for a chunk content-addressed by
// the hash of its payload.
func ChunkAddress(payload []byte) NetworkAddress {
	return NetworkAddress{Kind: KindChunk, Key: HashKadKey(payload)}
}

// OwnerAddress builds a NetworkAddress for an owner-keyed mutable record
// (pointer, scratchpad, or graph entry).
func OwnerAddress(kind RecordKind, ownerPublicKey []byte) NetworkAddress {
	return NetworkAddress{Kind: kind, Key: HashKadKey(ownerPublicKey)}
}

// PeerAddress builds a NetworkAddress identifying a bare peer.
func PeerAddress(id PeerID) NetworkAddress {
	return NetworkAddress{Peer: id, Key: id.Key()}
}

// RecordKey is the content-addressed key a record is stored under. It is
// a thin alias over KadKey kept distinct for readability at call sites.
type RecordKey = KadKey

// NormalizeMultiaddr parses and re-serializes a dial address, rejecting
// anything that isn't a well-formed multiaddr before it reaches the
// bootstrap cache or the router's peer table. Re-serializing (rather
// than just validating) collapses equivalent textual forms so cache
// dedup and k-bucket membership checks compare like for like.
func NormalizeMultiaddr(addr string) (string, error) {
	parsed, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", err
	}
	return parsed.String(), nil
}

// NormalizeMultiaddrs normalizes a batch, dropping (and reporting) any
// entries that fail to parse rather than aborting the whole batch; a
// single malformed bootstrap-cache entry must not poison the rest.
func NormalizeMultiaddrs(addrs []string) (valid []string, invalid []string) {
	for _, a := range addrs {
		n, err := NormalizeMultiaddr(a)
		if err != nil {
			invalid = append(invalid, a)
			continue
		}
		valid = append(valid, n)
	}
	return valid, invalid
}
