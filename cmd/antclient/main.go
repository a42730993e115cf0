// Command antclient is a thin entrypoint driving the upload
// orchestrator of spec §4.8: it wires a client-side router and
// PutClient, then hands a batch of files to internal/client for
// self-encryption, quoting, payment, and close-group upload. No
// business logic lives here, matching cmd/antnode/main.go's shape.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/autonomi-go/antcore/internal/bootstrap"
	"github.com/autonomi-go/antcore/internal/buildinfo"
	antclient "github.com/autonomi-go/antcore/internal/client"
	"github.com/autonomi-go/antcore/internal/config"
	"github.com/autonomi-go/antcore/internal/kademlia"
	"github.com/autonomi-go/antcore/internal/ledger"
	"github.com/autonomi-go/antcore/internal/p2p"
	"github.com/autonomi-go/antcore/internal/protocol"
)

func main() {
	root := &cobra.Command{Use: "antclient"}
	root.AddCommand(uploadCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func uploadCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "upload [files...]",
		Short: "self-encrypt and upload one or more files to the network",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd.Context(), env, args)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay (e.g. dev, prod)")
	return cmd
}

func runUpload(ctx context.Context, env string, paths []string) error {
	log := logrus.New()

	cfg, err := config.LoadClient(env)
	if err != nil {
		log.WithError(err).Warn("antclient: no config file found, using defaults")
		cfg = &config.ClientConfig{}
		cfg.Network.Tag = "autonomi-devnet"
		cfg.Bootstrap.CacheRoot = "./data/bootstrap"
		cfg.Upload.ChunkUploadBatchSize = 1
		cfg.Upload.FileUploadBatchSize = 1
		cfg.Upload.FlowBatchSize = 64
		cfg.Upload.MaxInMemoryDownload = 8 << 20
	}

	networkTag := buildinfo.NetworkTag("", cfg.Network.Tag)

	p2pCfg := p2p.Config{ListenAddr: "/ip4/0.0.0.0/tcp/0", NetworkTag: networkTag, GossipTag: networkTag}
	node, err := p2p.New(ctx, p2pCfg, log)
	if err != nil {
		return fmt.Errorf("start p2p client: %w", err)
	}
	defer node.Close()

	router := kademlia.New(node.PeerID(), node, log)

	cache := bootstrap.New(cfg.Bootstrap.CacheRoot, networkTag, log)
	if err := cache.Load(); err != nil {
		log.WithError(err).Warn("antclient: bootstrap cache unreadable, resetting")
		_ = cache.Reset()
	}

	seeds := make([]kademlia.PeerInfo, 0, len(cfg.Network.BootstrapPeers))
	for _, addr := range cfg.Network.BootstrapPeers {
		seeds = append(seeds, kademlia.PeerInfo{Addrs: []string{addr}})
	}
	for _, p := range cache.Peers() {
		seeds = append(seeds, kademlia.PeerInfo{ID: p.PeerID, Addrs: p.Addrs})
	}
	if err := router.Bootstrap(ctx, seeds); err != nil {
		log.WithError(err).Warn("antclient: bootstrap incomplete, falling back to cache-only routing")
	}

	putClient := protocol.NewPutClient(router, node, ledger.NewInMemory(), log)

	orchCfg := antclient.Config{
		ChunkUploadBatchSize:      cfg.Upload.ChunkUploadBatchSize,
		FileUploadBatchSize:       cfg.Upload.FileUploadBatchSize,
		UploadFlowBatchSize:       cfg.Upload.FlowBatchSize,
		InMemoryEncryptionMaxSize: cfg.Upload.MaxInMemoryDownload,
	}
	orch := antclient.New(putClient, nil, orchCfg, log)

	files := make([]antclient.FileInput, 0, len(paths))
	opened := make([]*os.File, 0, len(paths))
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", p, err)
		}
		opened = append(opened, f)
		files = append(files, antclient.FileInput{Name: p, Reader: f})
	}

	go func() {
		for ev := range orch.Events() {
			switch ev.Kind {
			case antclient.EventFileStarted:
				log.WithField("file", ev.File).Info("antclient: upload started")
			case antclient.EventFileCompleted:
				log.WithField("file", ev.File).Info("antclient: upload completed")
			case antclient.EventFileFailed:
				log.WithError(ev.Err).WithField("file", ev.File).Warn("antclient: upload failed")
			}
		}
	}()

	summary, receipts, _ := orch.UploadBatch(ctx, files)
	_ = cache.Save()

	fmt.Printf("paid=%d already_paid=%d tokens_spent=%d receipts=%d errors=%d\n",
		summary.RecordsPaid, summary.RecordsAlreadyPaid, summary.TokensSpent, len(receipts), len(summary.FileErrors))
	for name, ferr := range summary.FileErrors {
		fmt.Printf("  %s: %v\n", name, ferr)
	}
	return nil
}
