// Package resolve implements the CRDT split resolvers of spec §4.9: a
// single generic resolver contract instantiated for pointers and
// scratchpads, plus graph entries' fork-set union. Ported from
// autonomi-core's data_types/{pointer,scratchpad}.rs, both of which are
// thin wrappers over one generic resolve_split_records function; this
// package writes that function once with a Go type parameter.
package resolve

import (
	"encoding/json"

	"github.com/autonomi-go/antcore/internal/address"
	"github.com/autonomi-go/antcore/internal/autonomierr"
	"github.com/autonomi-go/antcore/internal/record"
)

func decodePayload(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return autonomierr.New(autonomierr.Protocol, "resolve.decodePayload", err)
	}
	return nil
}

// Resolved is the generic resolver's tagged result: exactly one of
// Value or Conflict is set.
type Resolved[T any] struct {
	Value    *T
	Conflict map[address.PeerID]T
}

// splitOf constructs a conflict result.
func splitOf[T any](m map[address.PeerID]T) Resolved[T] {
	return Resolved[T]{Conflict: m}
}

// valueOf constructs a resolved-value result.
func valueOf[T any](v T) Resolved[T] {
	return Resolved[T]{Value: &v}
}

// Resolve implements the generic contract:
// (deserialize, counter_of, same_content) -> Result<T>
// over a map of per-peer raw record bytes. It is instantiated below for
// Pointer and Scratchpad.
func Resolve[T any](
	key address.RecordKey,
	raw map[address.PeerID]record.Record,
	deserialize func(record.Record) (T, error),
	counterOf func(T) uint64,
	sameContent func(a, b T) bool,
) (Resolved[T], error) {
	type candidate struct {
		peer  address.PeerID
		value T
	}
	var candidates []candidate
	for peer, r := range raw {
		v, err := deserialize(r)
		if err != nil {
			continue // bad signature/bytes: drop, per §4.9
		}
		candidates = append(candidates, candidate{peer: peer, value: v})
	}
	if len(candidates) == 0 {
		return Resolved[T]{}, autonomierr.New(autonomierr.NotFound, "resolve.Resolve", autonomierr.ErrNotFound)
	}

	var maxCounter uint64
	for _, c := range candidates {
		if ctr := counterOf(c.value); ctr > maxCounter {
			maxCounter = ctr
		}
	}
	var atMax []candidate
	for _, c := range candidates {
		if counterOf(c.value) == maxCounter {
			atMax = append(atMax, c)
		}
	}
	if len(atMax) == 1 {
		return valueOf(atMax[0].value), nil
	}
	first := atMax[0].value
	for _, c := range atMax[1:] {
		if !sameContent(first, c.value) {
			conflict := make(map[address.PeerID]T, len(atMax))
			for _, a := range atMax {
				conflict[a.peer] = a.value
			}
			return splitOf(conflict), nil
		}
	}
	return valueOf(first), nil
}

// ResolvePointer resolves a Split of pointer records: max counter wins;
// ties with differing content surface upstream.
func ResolvePointer(key address.RecordKey, raw map[address.PeerID]record.Record) (Resolved[record.Pointer], error) {
	return Resolve(key, raw,
		func(r record.Record) (record.Pointer, error) {
			var p record.Pointer
			if err := decodePayload(r.Payload, &p); err != nil {
				return record.Pointer{}, err
			}
			if err := record.VerifyPointer(key, p); err != nil {
				return record.Pointer{}, err
			}
			return p, nil
		},
		func(p record.Pointer) uint64 { return p.Counter },
		func(a, b record.Pointer) bool { return a.SameContent(b) },
	)
}

// ResolveScratchpad resolves a Split of scratchpad records: identical
// policy keyed on (counter, data_encoding, encrypted_data).
func ResolveScratchpad(key address.RecordKey, raw map[address.PeerID]record.Record) (Resolved[record.Scratchpad], error) {
	return Resolve(key, raw,
		func(r record.Record) (record.Scratchpad, error) {
			var sp record.Scratchpad
			if err := decodePayload(r.Payload, &sp); err != nil {
				return record.Scratchpad{}, err
			}
			if err := record.VerifyScratchpad(key, sp); err != nil {
				return record.Scratchpad{}, err
			}
			return sp, nil
		},
		func(sp record.Scratchpad) uint64 { return sp.Counter },
		func(a, b record.Scratchpad) bool { return a.SameContent(b) },
	)
}

// ResolveGraphEntries returns the union of all distinct valid entries
// across peers as a fork set; graph entries are never resolved to a
// single value (spec §4.9).
func ResolveGraphEntries(key address.RecordKey, raw map[address.PeerID]record.Record) ([]record.GraphEntry, error) {
	var union []record.GraphEntry
	for _, r := range raw {
		var entries []record.GraphEntry
		if err := decodePayload(r.Payload, &entries); err != nil {
			continue
		}
		for _, e := range entries {
			if record.VerifyGraphEntry(key, e) != nil {
				continue
			}
			dup := false
			for _, existing := range union {
				if existing.SameContent(e) {
					dup = true
					break
				}
			}
			if !dup {
				union = append(union, e)
			}
		}
	}
	if len(union) == 0 {
		return nil, autonomierr.New(autonomierr.Protocol, "resolve.ResolveGraphEntries", autonomierr.ErrNotFound)
	}
	return union, nil
}
