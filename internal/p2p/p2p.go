// Package p2p implements the P2PTransport capability spec §1 treats as
// an opaque collaborator: libp2p host construction, direct-addressed
// record streams, and a pubsub topic exposed through Broadcast and
// Inventory. Host/topic wiring is adapted from the teacher's
// core/network.go (libp2p.New + go-libp2p-pubsub), dropping mDNS/NAT
// traversal (no SPEC_FULL.md component needs local-network discovery).
// Replication does not use the topic: it reconciles over direct record
// streams ("summaries" requests).
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"

	"github.com/autonomi-go/antcore/internal/address"
	"github.com/autonomi-go/antcore/internal/autonomierr"
	"github.com/autonomi-go/antcore/internal/kademlia"
	"github.com/autonomi-go/antcore/internal/quote"
	antrecord "github.com/autonomi-go/antcore/internal/record"
	"github.com/autonomi-go/antcore/internal/replication"
)

// wireRequest/wireResponse are the JSON envelopes exchanged over a
// record stream, in the teacher's own encoding/json wire-message style
// (core/replication.go's invMsg/blockMsg/getRangeMsg are all JSON).
type wireRequest struct {
	Op     string             `json:"op"` // "get" | "put" | "summaries" | "quote"
	Key    address.RecordKey  `json:"key"`
	Kind   address.RecordKind `json:"kind"`
	Record []byte             `json:"record,omitempty"`
	Radius address.KadKey     `json:"radius,omitempty"`
}

type wireSummary struct {
	Key         address.RecordKey  `json:"key"`
	Kind        address.RecordKind `json:"kind"`
	ContentHash string             `json:"content_hash"`
}

type wireResponse struct {
	OK        bool                `json:"ok"`
	Error     string              `json:"error,omitempty"`
	Record    []byte              `json:"record,omitempty"`
	Summaries []wireSummary       `json:"summaries,omitempty"`
	Quote     *quote.PaymentQuote `json:"quote,omitempty"`
}

// RecordProtocolID builds the Kademlia protocol identifier of spec §6:
// <network-tag>/kad/<major.minor>.
func RecordProtocolID(networkTag string, major, minor int) protocol.ID {
	return protocol.ID(fmt.Sprintf("%s/kad/%d.%d", networkTag, major, minor))
}

// RecordHandler is invoked for each inbound direct-addressed record
// get request; cmd/antnode wires it to the local store's Get (puts go
// through PutHandler).
type RecordHandler func(ctx context.Context, from address.PeerID, key address.RecordKey, kind address.RecordKind) (antrecord.Record, error)

// PutHandler is invoked for each inbound put.
type PutHandler func(ctx context.Context, from address.PeerID, r antrecord.Record) error

// SummaryHandler is invoked for each inbound reconciliation request; it
// answers "what do you hold within radius of your own key", spec §4.4
// step 2.
type SummaryHandler func(ctx context.Context, from address.PeerID, radius address.KadKey) ([]replication.KeySummary, error)

// QuoteHandler is invoked for each inbound payment-quote request,
// wired to the node's quote.Engine.
type QuoteHandler func(ctx context.Context, from address.PeerID, key address.RecordKey) (quote.PaymentQuote, error)

// Node is a libp2p-backed P2PTransport implementation.
type Node struct {
	host   host.Host
	pubsub *pubsub.Topic
	sub    *pubsub.Subscription
	log    *logrus.Logger

	protoID protocol.ID

	mu        sync.RWMutex
	onGet     RecordHandler
	onPut     PutHandler
	onSummary SummaryHandler
	onQuote   QuoteHandler
}

// Config configures a Node's libp2p host.
type Config struct {
	ListenAddr string
	NetworkTag string
	GossipTag  string
}

// New builds a libp2p host and gossipsub router bound to cfg.
func New(ctx context.Context, cfg Config, log *logrus.Logger) (*Node, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		return nil, autonomierr.New(autonomierr.Transport, "p2p.New", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, autonomierr.New(autonomierr.Transport, "p2p.New", err)
	}
	topic, err := ps.Join(cfg.GossipTag + "-inventory")
	if err != nil {
		h.Close()
		return nil, autonomierr.New(autonomierr.Transport, "p2p.New", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return nil, autonomierr.New(autonomierr.Transport, "p2p.New", err)
	}

	n := &Node{
		host:    h,
		pubsub:  topic,
		sub:     sub,
		log:     log,
		protoID: RecordProtocolID(cfg.NetworkTag, 1, 0),
	}
	h.SetStreamHandler(n.protoID, n.handleStream)
	return n, nil
}

// PeerID returns this node's own peer identity.
func (n *Node) PeerID() address.PeerID {
	return address.PeerID(n.host.ID().String())
}

// SetHandlers registers the callbacks invoked for inbound get/put
// requests, wired by internal/protocol's node-side acceptance path.
func (n *Node) SetHandlers(get RecordHandler, put PutHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onGet, n.onPut = get, put
}

// SetSummaryHandler registers the callback answering reconciliation
// summary requests, wired by the node's store.Summaries.
func (n *Node) SetSummaryHandler(h SummaryHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onSummary = h
}

// SetQuoteHandler registers the callback answering payment-quote
// requests, wired by the node's quote.Engine.
func (n *Node) SetQuoteHandler(h QuoteHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onQuote = h
}

// Dial connects to a peer given its routed PeerInfo.
func (n *Node) Dial(ctx context.Context, p kademlia.PeerInfo) error {
	var addrErr error
	for _, a := range p.Addrs {
		info, err := libp2ppeer.AddrInfoFromString(a)
		if err != nil {
			addrErr = err
			continue
		}
		if err := n.host.Connect(ctx, *info); err != nil {
			addrErr = err
			continue
		}
		return nil
	}
	if addrErr == nil {
		addrErr = fmt.Errorf("no usable addresses for %s", p.ID)
	}
	return autonomierr.New(autonomierr.Transport, "p2p.Dial", addrErr)
}

// Identify returns the peer id recorded in p unchanged; it does not
// query libp2p's identify protocol.
func (n *Node) Identify(_ context.Context, p kademlia.PeerInfo) (address.PeerID, error) {
	return p.ID, nil
}

// Broadcast publishes data on the node's pubsub topic. No package in
// this module calls it; replication summaries travel over direct
// record streams.
func (n *Node) Broadcast(ctx context.Context, data []byte) error {
	if err := n.pubsub.Publish(ctx, data); err != nil {
		return autonomierr.New(autonomierr.Transport, "p2p.Broadcast", err)
	}
	return nil
}

// Inventory returns a channel of payloads received on the pubsub topic.
func (n *Node) Inventory(ctx context.Context) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			msg, err := n.sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- msg.Data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// RequestRecord opens a direct stream to p and asks for (key, kind).
func (n *Node) RequestRecord(ctx context.Context, p kademlia.PeerInfo, key address.RecordKey, kind address.RecordKind) (antrecord.Record, error) {
	s, err := n.openStream(ctx, p)
	if err != nil {
		return antrecord.Record{}, err
	}
	defer s.Close()

	req := wireRequest{Op: "get", Key: key, Kind: kind}
	if err := json.NewEncoder(s).Encode(req); err != nil {
		return antrecord.Record{}, autonomierr.New(autonomierr.Transport, "p2p.RequestRecord", err)
	}
	var resp wireResponse
	if err := json.NewDecoder(s).Decode(&resp); err != nil {
		return antrecord.Record{}, autonomierr.New(autonomierr.Transport, "p2p.RequestRecord", err)
	}
	if !resp.OK {
		return antrecord.Record{}, autonomierr.New(autonomierr.NotFound, "p2p.RequestRecord", autonomierr.ErrNotFound)
	}
	return antrecord.Decode(key, resp.Record)
}

// SendRecord opens a direct stream to p and puts r.
func (n *Node) SendRecord(ctx context.Context, p kademlia.PeerInfo, r antrecord.Record) error {
	s, err := n.openStream(ctx, p)
	if err != nil {
		return err
	}
	defer s.Close()

	raw, err := antrecord.Encode(r)
	if err != nil {
		return autonomierr.New(autonomierr.Protocol, "p2p.SendRecord", err)
	}
	req := wireRequest{Op: "put", Key: r.Key, Kind: r.Kind, Record: raw}
	if err := json.NewEncoder(s).Encode(req); err != nil {
		return autonomierr.New(autonomierr.Transport, "p2p.SendRecord", err)
	}
	var resp wireResponse
	if err := json.NewDecoder(s).Decode(&resp); err != nil {
		return autonomierr.New(autonomierr.Transport, "p2p.SendRecord", err)
	}
	if !resp.OK {
		return autonomierr.New(autonomierr.Protocol, "p2p.SendRecord", fmt.Errorf("%s", resp.Error))
	}
	return nil
}

// Summaries asks p for the records it holds within radius of its own
// key, implementing replication.PeerSummaries over a direct stream.
func (n *Node) Summaries(ctx context.Context, p kademlia.PeerInfo, radius address.KadKey) ([]replication.KeySummary, error) {
	s, err := n.openStream(ctx, p)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	req := wireRequest{Op: "summaries", Radius: radius}
	if err := json.NewEncoder(s).Encode(req); err != nil {
		return nil, autonomierr.New(autonomierr.Transport, "p2p.Summaries", err)
	}
	var resp wireResponse
	if err := json.NewDecoder(s).Decode(&resp); err != nil {
		return nil, autonomierr.New(autonomierr.Transport, "p2p.Summaries", err)
	}
	if !resp.OK {
		return nil, autonomierr.New(autonomierr.Protocol, "p2p.Summaries", fmt.Errorf("%s", resp.Error))
	}
	out := make([]replication.KeySummary, 0, len(resp.Summaries))
	for _, sm := range resp.Summaries {
		out = append(out, replication.KeySummary{Key: sm.Key, Kind: sm.Kind, ContentHash: sm.ContentHash})
	}
	return out, nil
}

// RequestQuote asks p for a payment quote on key, implementing
// protocol.QuoteRequester over a direct stream.
func (n *Node) RequestQuote(ctx context.Context, p kademlia.PeerInfo, key address.RecordKey) (quote.PaymentQuote, error) {
	s, err := n.openStream(ctx, p)
	if err != nil {
		return quote.PaymentQuote{}, err
	}
	defer s.Close()

	req := wireRequest{Op: "quote", Key: key}
	if err := json.NewEncoder(s).Encode(req); err != nil {
		return quote.PaymentQuote{}, autonomierr.New(autonomierr.Transport, "p2p.RequestQuote", err)
	}
	var resp wireResponse
	if err := json.NewDecoder(s).Decode(&resp); err != nil {
		return quote.PaymentQuote{}, autonomierr.New(autonomierr.Transport, "p2p.RequestQuote", err)
	}
	if !resp.OK || resp.Quote == nil {
		return quote.PaymentQuote{}, autonomierr.New(autonomierr.Payment, "p2p.RequestQuote", fmt.Errorf("%s", resp.Error))
	}
	return *resp.Quote, nil
}

func (n *Node) openStream(ctx context.Context, p kademlia.PeerInfo) (network.Stream, error) {
	info, err := libp2ppeer.Decode(string(p.ID))
	if err != nil {
		return nil, autonomierr.New(autonomierr.Transport, "p2p.openStream", err)
	}
	s, err := n.host.NewStream(ctx, info, n.protoID)
	if err != nil {
		return nil, autonomierr.New(autonomierr.Transport, "p2p.openStream", err)
	}
	return s, nil
}

func (n *Node) handleStream(s network.Stream) {
	defer s.Close()

	var req wireRequest
	if err := json.NewDecoder(s).Decode(&req); err != nil {
		return
	}
	from := address.PeerID(s.Conn().RemotePeer().String())

	n.mu.RLock()
	onGet, onPut, onSummary, onQuote := n.onGet, n.onPut, n.onSummary, n.onQuote
	n.mu.RUnlock()

	switch req.Op {
	case "get":
		if onGet == nil {
			json.NewEncoder(s).Encode(wireResponse{OK: false, Error: "no handler"})
			return
		}
		rec, err := onGet(context.Background(), from, req.Key, req.Kind)
		if err != nil {
			json.NewEncoder(s).Encode(wireResponse{OK: false, Error: err.Error()})
			return
		}
		raw, err := antrecord.Encode(antrecord.StripPayment(rec))
		if err != nil {
			json.NewEncoder(s).Encode(wireResponse{OK: false, Error: err.Error()})
			return
		}
		json.NewEncoder(s).Encode(wireResponse{OK: true, Record: raw})
	case "put":
		if onPut == nil {
			json.NewEncoder(s).Encode(wireResponse{OK: false, Error: "no handler"})
			return
		}
		rec, err := antrecord.Decode(req.Key, req.Record)
		if err != nil {
			json.NewEncoder(s).Encode(wireResponse{OK: false, Error: err.Error()})
			return
		}
		if err := onPut(context.Background(), from, rec); err != nil {
			json.NewEncoder(s).Encode(wireResponse{OK: false, Error: err.Error()})
			return
		}
		json.NewEncoder(s).Encode(wireResponse{OK: true})
	case "summaries":
		if onSummary == nil {
			json.NewEncoder(s).Encode(wireResponse{OK: false, Error: "no handler"})
			return
		}
		summaries, err := onSummary(context.Background(), from, req.Radius)
		if err != nil {
			json.NewEncoder(s).Encode(wireResponse{OK: false, Error: err.Error()})
			return
		}
		wire := make([]wireSummary, 0, len(summaries))
		for _, sm := range summaries {
			wire = append(wire, wireSummary{Key: sm.Key, Kind: sm.Kind, ContentHash: sm.ContentHash})
		}
		json.NewEncoder(s).Encode(wireResponse{OK: true, Summaries: wire})
	case "quote":
		if onQuote == nil {
			json.NewEncoder(s).Encode(wireResponse{OK: false, Error: "no handler"})
			return
		}
		q, err := onQuote(context.Background(), from, req.Key)
		if err != nil {
			json.NewEncoder(s).Encode(wireResponse{OK: false, Error: err.Error()})
			return
		}
		json.NewEncoder(s).Encode(wireResponse{OK: true, Quote: &q})
	default:
		json.NewEncoder(s).Encode(wireResponse{OK: false, Error: "unknown op"})
	}
}

var _ io.Closer = (*Node)(nil)

// Close tears down the host.
func (n *Node) Close() error {
	return n.host.Close()
}
