// Command antnode is a thin entrypoint wiring the library packages
// together into a running storage node: no business logic lives here,
// matching SPEC_FULL.md's "CLI surface" note and the teacher's
// cmd/synnergy/main.go cobra shape.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/autonomi-go/antcore/internal/address"
	"github.com/autonomi-go/antcore/internal/bootstrap"
	"github.com/autonomi-go/antcore/internal/buildinfo"
	"github.com/autonomi-go/antcore/internal/config"
	"github.com/autonomi-go/antcore/internal/control"
	"github.com/autonomi-go/antcore/internal/kademlia"
	"github.com/autonomi-go/antcore/internal/ledger"
	"github.com/autonomi-go/antcore/internal/p2p"
	"github.com/autonomi-go/antcore/internal/protocol"
	"github.com/autonomi-go/antcore/internal/quote"
	antrecord "github.com/autonomi-go/antcore/internal/record"
	"github.com/autonomi-go/antcore/internal/replication"
	"github.com/autonomi-go/antcore/internal/store"
)

func main() {
	root := &cobra.Command{Use: "antnode"}
	root.AddCommand(serveCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run a storage node: router, replication, and RPC serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay (e.g. dev, prod)")
	return cmd
}

func runServe(ctx context.Context, env string) error {
	log := logrus.New()

	cfg, err := config.LoadNode(env)
	if err != nil {
		log.WithError(err).Warn("antnode: no config file found, using defaults")
		cfg = &config.NodeConfig{}
		cfg.Network.ListenAddr = "/ip4/0.0.0.0/tcp/0"
		cfg.Network.Tag = "autonomi-devnet"
		cfg.Store.Dir = "./data/store"
		cfg.Store.Capacity = 100000
		cfg.Store.BaseCost = 1000
		cfg.Bootstrap.CacheRoot = "./data/bootstrap"
		cfg.Replication.IntervalSeconds = 60
		cfg.Replication.MaxConcurrentFetch = 16
		cfg.Quote.TTLSeconds = 3600
		cfg.Quote.CacheSize = 4096
	}

	networkTag := buildinfo.NetworkTag(cfg.Network.VersionMode, cfg.Network.Tag)

	priv, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate node key: %w", err)
	}

	p2pCfg := p2p.Config{ListenAddr: cfg.Network.ListenAddr, NetworkTag: networkTag, GossipTag: networkTag}
	node, err := p2p.New(ctx, p2pCfg, log)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()

	selfID := node.PeerID()
	router := kademlia.New(selfID, node, log)

	st, err := store.New(cfg.Store.Dir, selfID.Key(), cfg.Store.Capacity, log)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}

	auditLog, err := zap.NewProduction()
	if err != nil {
		auditLog = zap.NewNop()
	}
	defer auditLog.Sync()

	quotes, err := quote.New(priv, st, cfg.Store.BaseCost, cfg.Quote.CacheSize, auditLog)
	if err != nil {
		return fmt.Errorf("start quote engine: %w", err)
	}
	quotes = quotes.WithTTL(cfg.QuoteTTL())

	cache := bootstrap.New(cfg.Bootstrap.CacheRoot, networkTag, log,
		bootstrap.WithMaxPeers(cfg.Bootstrap.MaxPeers),
		bootstrap.WithMaxAddrsPerPeer(cfg.Bootstrap.MaxAddrsPerPeer),
	)
	if err := cache.Load(); err != nil {
		log.WithError(err).Warn("antnode: bootstrap cache unreadable, resetting")
		_ = cache.Reset()
	}

	seeds := make([]kademlia.PeerInfo, 0, len(cfg.Network.BootstrapPeers))
	for _, addr := range cfg.Network.BootstrapPeers {
		seeds = append(seeds, kademlia.PeerInfo{Addrs: []string{addr}})
	}
	if cfg.Network.SeedFile != "" {
		fileSeeds, err := bootstrap.LoadSeedFile(cfg.Network.SeedFile)
		if err != nil {
			log.WithError(err).Warn("antnode: seed file unreadable, ignoring")
		}
		for _, p := range fileSeeds {
			seeds = append(seeds, kademlia.PeerInfo{ID: p.PeerID, Addrs: p.Addrs})
		}
	}
	for _, p := range cache.Peers() {
		seeds = append(seeds, kademlia.PeerInfo{ID: p.PeerID, Addrs: p.Addrs})
	}
	if err := router.Bootstrap(ctx, seeds); err != nil {
		log.WithError(err).Warn("antnode: bootstrap incomplete, falling back to cache-only routing")
	}

	repl := replication.New(selfID.Key(), router, st, node, replication.DefaultConfig(), log)

	payLedger := ledger.NewInMemory()
	acceptance := protocol.NewNodeAcceptance(st, quotes, payLedger, kademlia.CloseGroupSize, repl.Radius)
	node.SetHandlers(
		func(ctx context.Context, from address.PeerID, key address.RecordKey, kind address.RecordKind) (antrecord.Record, error) {
			return st.Get(key, kind)
		},
		func(ctx context.Context, from address.PeerID, r antrecord.Record) error {
			_, err := acceptance.Accept(ctx, r)
			return err
		},
	)
	node.SetSummaryHandler(func(ctx context.Context, from address.PeerID, radius address.KadKey) ([]replication.KeySummary, error) {
		rows := st.Summaries(radius)
		out := make([]replication.KeySummary, 0, len(rows))
		for _, row := range rows {
			out = append(out, replication.KeySummary{Key: row.Key, Kind: row.Kind, ContentHash: row.ContentHash})
		}
		return out, nil
	})

	node.SetQuoteHandler(func(ctx context.Context, from address.PeerID, key address.RecordKey) (quote.PaymentQuote, error) {
		return quotes.Issue(key, repl.Radius(), time.Now()), nil
	})

	sd := control.NewShutdown()
	repl.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("antnode: shutdown signal received")
		sd.Trigger()
		repl.Stop()
		_ = cache.Save()
	}()

	<-sd.Done()
	return nil
}
