// Command shardd runs a single shard-storage network node: it loads or
// generates a persistent node identity, joins the DHT overlay through its
// configured seeds, and serves PING/OFFER/CONSIGN/RETRIEVE/AUDIT over
// JSON-RPC until interrupted (spec.md §4.8 Node façade).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gitlab.com/shardnet/shardd/config"
	"gitlab.com/shardnet/shardd/contact"
	"gitlab.com/shardnet/shardd/node"
	"gitlab.com/shardnet/shardd/persist"
)

func main() {
	cfg := config.Default()
	config.ApplyEnv(&cfg)

	root := &cobra.Command{
		Use:   "shardd",
		Short: "Run a shardnet storage-network node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}
	config.BindFlags(root.Flags(), &cfg)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("unable to create data directory: %w", err)
	}

	logger, err := persist.NewLogger(cfg.LogPath())
	if err != nil {
		return fmt.Errorf("unable to open log file: %w", err)
	}
	defer logger.Close()

	kp, err := node.LoadOrGenerateIdentity(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("unable to load node identity: %w", err)
	}

	var seeds []contact.Contact
	for _, uri := range cfg.Seeds {
		c, err := contact.ParseURI(uri)
		if err != nil {
			return fmt.Errorf("invalid seed %q: %w", uri, err)
		}
		seeds = append(seeds, c)
	}

	nodeCfg := node.DefaultConfig()
	nodeCfg.BindAddr = cfg.BindAddr
	nodeCfg.DataDir = cfg.DataDir
	nodeCfg.Seeds = seeds
	nodeCfg.AuditCount = cfg.AuditCount
	nodeCfg.PingInterval = cfg.PingInterval
	nodeCfg.OfferTimeout = cfg.OfferTimeout
	nodeCfg.StrictReplay = cfg.StrictReplay

	n, err := node.New(kp, nodeCfg, logger.Logger)
	if err != nil {
		return fmt.Errorf("unable to construct node: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	joinErr := n.Join(ctx)
	cancel()
	if joinErr != nil {
		return fmt.Errorf("unable to join network: %w", joinErr)
	}
	logger.Println("node", kp.NodeID(), "listening on", n.Self().HostPort())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Println("shutting down")
	if err := n.Leave(); err != nil {
		return fmt.Errorf("unable to leave network cleanly: %w", err)
	}
	return nil
}
