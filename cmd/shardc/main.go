// Command shardc drives store/retrieve/audit operations and node-seed
// backup against a node's on-disk data directory directly: rather than
// defining a second, lower-privilege control-plane protocol alongside the
// peer-to-peer one spec.md §4 already specifies, shardc constructs its own
// transient node.Node over the same --data-dir a shardd instance uses,
// joins long enough to perform one operation, and leaves (see DESIGN.md's
// cmd/shardc entry for the full rationale). It therefore cannot be run
// concurrently against a data directory a live shardd is already holding
// open — storagebackend's underlying bolt database enforces this with a
// file lock, so a concurrent run fails fast with a clear error rather than
// corrupting state.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"gitlab.com/shardnet/shardd/config"
	"gitlab.com/shardnet/shardd/contact"
	"gitlab.com/shardnet/shardd/node"
	"gitlab.com/shardnet/shardd/persist"
)

var (
	dataDir     string
	bindAddr    string
	seedURIs    []string
	joinTimeout time.Duration
	storeFor    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "shardc",
		Short: "Store, retrieve, and audit shards on a shardnet node",
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", config.Default().DataDir, "data directory of the node to operate against")
	root.PersistentFlags().StringVar(&bindAddr, "addr", "127.0.0.1:0", "transport address to bind for the duration of the command")
	root.PersistentFlags().StringSliceVar(&seedURIs, "seed", nil, "seed contact URI to bootstrap from (repeatable)")
	root.PersistentFlags().DurationVar(&joinTimeout, "join-timeout", 10*time.Second, "how long to wait while joining the network")

	storeCmd := &cobra.Command{
		Use:   "store <file>",
		Short: "Negotiate a contract and upload a file as a shard",
		Args:  cobra.ExactArgs(1),
		RunE:  runStore,
	}
	storeCmd.Flags().DurationVar(&storeFor, "duration", 30*24*time.Hour, "how long the farmer should hold the shard")

	retrieveCmd := &cobra.Command{
		Use:   "retrieve <hash-hex> <outfile>",
		Short: "Download a previously stored shard by its hash",
		Args:  cobra.ExactArgs(2),
		RunE:  runRetrieve,
	}

	auditCmd := &cobra.Command{
		Use:   "audit <hash-hex>",
		Short: "Challenge the holding farmer to prove it still has the shard",
		Args:  cobra.ExactArgs(1),
		RunE:  runAudit,
	}

	seedCmd := &cobra.Command{Use: "seed", Short: "Manage the node's identity seed"}
	seedShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the node's private key, hex-encoded, for backup",
		Args:  cobra.NoArgs,
		RunE:  runSeedShow,
	}
	seedCmd.AddCommand(seedShowCmd)

	root.AddCommand(storeCmd, retrieveCmd, auditCmd, seedCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withJoinedNode(fn func(n *node.Node) error) error {
	logger, err := persist.NewLogger(os.DevNull)
	if err != nil {
		return fmt.Errorf("unable to open logger: %w", err)
	}
	defer logger.Close()

	kp, err := node.LoadOrGenerateIdentity(dataDir)
	if err != nil {
		return fmt.Errorf("unable to load node identity from %s: %w", dataDir, err)
	}

	var seeds []contact.Contact
	for _, uri := range seedURIs {
		c, err := contact.ParseURI(uri)
		if err != nil {
			return fmt.Errorf("invalid seed %q: %w", uri, err)
		}
		seeds = append(seeds, c)
	}

	cfg := node.DefaultConfig()
	cfg.BindAddr = bindAddr
	cfg.DataDir = dataDir
	cfg.Seeds = seeds

	n, err := node.New(kp, cfg, logger.Logger)
	if err != nil {
		return fmt.Errorf("unable to construct node: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	if err := n.Join(ctx); err != nil {
		return fmt.Errorf("unable to join network: %w", err)
	}
	defer n.Leave()

	return fn(n)
}

func runStore(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("unable to read %s: %w", args[0], err)
	}
	return withJoinedNode(func(n *node.Node) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		shardHash, err := n.Store(ctx, data, storeFor)
		if err != nil {
			return fmt.Errorf("store failed: %w", err)
		}
		fmt.Println(hex.EncodeToString(shardHash[:]))
		return nil
	})
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	shardHash, err := parseShardHash(args[0])
	if err != nil {
		return err
	}
	return withJoinedNode(func(n *node.Node) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		data, err := n.Retrieve(ctx, shardHash)
		if err != nil {
			return fmt.Errorf("retrieve failed: %w", err)
		}
		return os.WriteFile(args[1], data, 0600)
	})
}

func runAudit(cmd *cobra.Command, args []string) error {
	shardHash, err := parseShardHash(args[0])
	if err != nil {
		return err
	}
	return withJoinedNode(func(n *node.Node) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		ok, err := n.Audit(ctx, shardHash)
		if err != nil {
			return fmt.Errorf("audit failed: %w", err)
		}
		if ok {
			fmt.Println("pass")
			return nil
		}
		fmt.Println("fail")
		os.Exit(1)
		return nil
	})
}

func runSeedShow(cmd *cobra.Command, args []string) error {
	kp, err := node.LoadOrGenerateIdentity(dataDir)
	if err != nil {
		return fmt.Errorf("unable to load node identity from %s: %w", dataDir, err)
	}
	fmt.Println(hex.EncodeToString(kp.PrivateKeyBytes()))
	return nil
}

func parseShardHash(s string) ([20]byte, error) {
	var h [20]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid shard hash %q: %w", s, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("shard hash %q must be %d bytes, got %d", s, len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}
