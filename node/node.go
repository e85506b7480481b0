// Package node implements component C8, the node façade spec.md §4.8
// describes: it composes Identity, ContactBook, Overlay, Transport,
// Topics, ContractProtocol/AuditCoordinator, and StorageBackend into the
// single join/leave/store/retrieve/audit surface an application embeds,
// plus the FIND_NODE wiring that connects Overlay's lookups to Transport
// (spec.md §1: "the integration with the DHT overlay's lookup/transport
// primitives").
//
// spec.md §4.8 describes join/leave/store/retrieve/audit as
// callback-taking; REDESIGN FLAGS (spec.md §9) asks for explicit state
// objects in place of nested callbacks, so here each is a plain blocking
// method returning (result, error), the same re-expression package
// pending's OnOffer and package protocol's Store/Retrieve/Audit already
// use.
package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/log"
	"gitlab.com/NebulousLabs/threadgroup"

	"gitlab.com/shardnet/shardd/contact"
	"gitlab.com/shardnet/shardd/identity"
	"gitlab.com/shardnet/shardd/overlay"
	"gitlab.com/shardnet/shardd/persist"
	"gitlab.com/shardnet/shardd/protocol"
	"gitlab.com/shardnet/shardd/rpcerr"
	"gitlab.com/shardnet/shardd/storagebackend"
	"gitlab.com/shardnet/shardd/topics"
	"gitlab.com/shardnet/shardd/transport"
)

// findNodeMethod is the RPC this package wires onto Overlay so peers can
// answer each other's iterative lookups (spec.md §1 data flow, §5
// "Overlay.find_node" suspension point).
const findNodeMethod = "FIND_NODE"

// Config carries every external interface value spec.md §6 pins down, plus
// the Open Questions SPEC_FULL resolves. It is assembled once by
// cmd/shardd (or a test) and handed to New; nothing in this package reads
// configuration from globals.
type Config struct {
	// BindAddr is the address Transport.Server listens on.
	BindAddr string
	// DataDir holds blobs.db, the items/ directory, and (if the caller
	// uses LoadOrGenerateIdentity) the node's private key.
	DataDir string
	// Seeds are bootstrap contacts dialed once on Join.
	Seeds []contact.Contact
	// AuditCount is defaulted to 12 by New (spec.md §6) but is not passed
	// on by Join: package protocol builds every new contract's audit tree
	// with protocol.DefaultAuditCount leaves whatever this field holds.
	AuditCount uint32
	// PingInterval is how often SeedLiveness re-pings each seed after the
	// initial Connect (spec.md §6, default 60s).
	PingInterval time.Duration
	// OfferTimeout bounds how long Store waits for a farmer to OFFER
	// (spec.md §9 Open Question, default 60s).
	OfferTimeout time.Duration
	// StrictReplay opts into the per-sender nonce high-watermark check
	// (spec.md §9 "nothing prevents a replay... within the window");
	// off by default to match the v1 behavior spec.md §4.2 describes.
	StrictReplay bool
}

// DefaultConfig returns spec.md §6's constants as a ready-to-use Config
// (bind address and data directory still need to be filled in by the
// caller; see package config for where those defaults live).
func DefaultConfig() Config {
	return Config{
		AuditCount:   protocol.DefaultAuditCount,
		PingInterval: 60 * time.Second,
		OfferTimeout: protocol.DefaultOfferTimeout,
	}
}

// Node is the façade component C8 describes: one instance per running
// peer, composing every other component and owning its lifecycle.
type Node struct {
	mu   sync.Mutex
	tg   threadgroup.ThreadGroup
	open bool

	self        *identity.KeyPair
	selfContact contact.Contact
	cfg         Config
	log         *log.Logger

	book    *contact.Book
	srv     *transport.Server
	client  *transport.Client
	overlay *overlay.Overlay
	topics  *topics.Topics
	blobs   *storagebackend.BlobStore
	items   *storagebackend.ItemStore
	proto   *protocol.Protocol

	authFailures uint64
	seedCancels  []context.CancelFunc
	sweepCancel  context.CancelFunc
}

type findNodeParams struct {
	Target  identity.NodeID `json:"target"`
	Contact contact.Contact `json:"contact"`
}

type findNodeResult struct {
	Contacts []contact.Contact `json:"contacts"`
}

// New constructs a Node around self, listening/persisting per cfg, but
// does not yet bind a socket or contact any seed: that happens in Join, so
// that AlreadyOpen/NotOpen (spec.md §7) has an observable "closed" state
// to fail from before the first Join.
func New(self *identity.KeyPair, cfg Config, logger *log.Logger) (*Node, error) {
	if cfg.AuditCount == 0 {
		cfg.AuditCount = protocol.DefaultAuditCount
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 60 * time.Second
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = protocol.DefaultOfferTimeout
	}

	n := &Node{self: self, cfg: cfg, log: logger}

	book := contact.NewBook(0)
	srv := transport.NewServer(self, book, logger)
	if cfg.StrictReplay {
		srv.EnableStrictReplay()
	}
	srv.OnAuthFailure(func(c contact.Contact, err error) {
		atomic.AddUint64(&n.authFailures, 1)
		n.log.Debugln("auth failure from", c.NodeID, ":", err)
	})
	n.book = book
	n.srv = srv
	n.client = transport.NewClient(self)

	blobs, err := storagebackend.NewBlobStore(filepath.Join(cfg.DataDir, "blobs.db"))
	if err != nil {
		return nil, errors.AddContext(err, "unable to open blob store")
	}
	items, err := storagebackend.NewItemStore(filepath.Join(cfg.DataDir, "items"))
	if err != nil {
		return nil, errors.AddContext(err, "unable to open storage item store")
	}
	n.blobs = blobs
	n.items = items

	return n, nil
}

// Join brings the node online: binds Transport, wires FIND_NODE and the
// ContractProtocol/Topics handlers, connects to every configured seed, and
// starts SeedLiveness and the pending-offer sweep. It must be called
// exactly once per instance (spec.md §4.8); a second call returns
// ErrAlreadyOpen without disturbing existing state (spec.md §8 S7, join
// idempotence).
func (n *Node) Join(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.open {
		return rpcerr.ErrAlreadyOpen
	}

	if err := n.srv.Listen(n.cfg.BindAddr); err != nil {
		return errors.AddContext(err, "unable to bind transport listener")
	}
	host, portStr, err := net.SplitHostPort(n.srv.Addr().String())
	if err != nil {
		return errors.AddContext(err, "unable to parse bound transport address")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return errors.AddContext(err, "unable to parse bound transport port")
	}
	n.selfContact = contact.Contact{Scheme: "shard", Address: host, Port: uint16(port), NodeID: n.self.NodeID()}

	n.overlay = overlay.New(n.self.NodeID(), n.probeFindNode)
	n.srv.Handle(findNodeMethod, n.handleFindNode)

	n.topics = topics.New(n.selfContact, n.overlay, n.client, n.log)
	n.topics.Register(n.srv)

	n.proto = protocol.New(n.self, n.selfContact, n.overlay, n.client, n.topics, n.blobs, n.items, n.log)
	n.proto.SetOfferTimeout(n.cfg.OfferTimeout)
	n.proto.Register(n.srv)

	for _, seed := range n.cfg.Seeds {
		n.startSeedLiveness(seed)
	}
	n.startPendingSweep()

	n.open = true
	return nil
}

// Leave cancels every SeedLiveness timer, waits for in-flight sends to
// complete or fail, and closes the transport listener (spec.md §5,
// §4.8). A Node that was never successfully Joined returns ErrNotOpen.
func (n *Node) Leave() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.open {
		return rpcerr.ErrNotOpen
	}
	for _, cancel := range n.seedCancels {
		cancel()
	}
	n.seedCancels = nil
	if n.sweepCancel != nil {
		n.sweepCancel()
		n.sweepCancel = nil
	}

	if err := n.tg.Stop(); err != nil {
		return errors.AddContext(err, "unable to stop in-flight work")
	}
	if err := n.srv.Close(); err != nil {
		return errors.AddContext(err, "unable to close transport listener")
	}
	n.open = false
	return nil
}

// Store implements store(): publish data as a new contract and block until
// a farmer has consigned and persisted it (spec.md §4.5/§4.8).
func (n *Node) Store(ctx context.Context, data []byte, duration time.Duration) ([20]byte, error) {
	proto, err := n.requireOpen()
	if err != nil {
		return [20]byte{}, err
	}
	if err := n.tg.Add(); err != nil {
		return [20]byte{}, errors.AddContext(err, "unable to begin store")
	}
	defer n.tg.Done()
	return proto.Store(ctx, data, duration)
}

// Retrieve implements retrieve(): fetch a previously stored shard's bytes
// by content hash (spec.md §4.8).
func (n *Node) Retrieve(ctx context.Context, shardHash [20]byte) ([]byte, error) {
	proto, err := n.requireOpen()
	if err != nil {
		return nil, err
	}
	if err := n.tg.Add(); err != nil {
		return nil, errors.AddContext(err, "unable to begin retrieve")
	}
	defer n.tg.Done()
	return proto.Retrieve(ctx, shardHash)
}

// Audit implements audit(): consume one challenge and verify the farmer's
// proof of continued possession (spec.md §4.6/§4.8).
func (n *Node) Audit(ctx context.Context, shardHash [20]byte) (bool, error) {
	proto, err := n.requireOpen()
	if err != nil {
		return false, err
	}
	if err := n.tg.Add(); err != nil {
		return false, errors.AddContext(err, "unable to begin audit")
	}
	defer n.tg.Done()
	return proto.Audit(ctx, shardHash)
}

// Self returns the node's own contact, valid once Join has succeeded.
func (n *Node) Self() contact.Contact {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.selfContact
}

// AuthFailures reports the cumulative count of inbound requests dropped
// for failing authentication (spec.md §8 S6's auth_failures metric).
func (n *Node) AuthFailures() uint64 {
	return atomic.LoadUint64(&n.authFailures)
}

// PendingStats reports the underlying PendingTable's cumulative taken and
// expired counts.
func (n *Node) PendingStats() (taken, expired uint64) {
	n.mu.Lock()
	proto := n.proto
	n.mu.Unlock()
	if proto == nil {
		return 0, 0
	}
	return proto.PendingStats()
}

// requireOpen returns the active Protocol instance or ErrNotOpen.
func (n *Node) requireOpen() (*protocol.Protocol, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.open {
		return nil, rpcerr.ErrNotOpen
	}
	return n.proto, nil
}

func (n *Node) probeFindNode(ctx context.Context, peer contact.Contact, target identity.NodeID) ([]contact.Contact, error) {
	raw, err := n.client.Send(ctx, peer, findNodeMethod, findNodeParams{Target: target, Contact: n.selfContact})
	if err != nil {
		return nil, err
	}
	var resp findNodeResult
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Extend(err, rpcerr.ErrBadResponse)
	}
	return resp.Contacts, nil
}

func (n *Node) handleFindNode(ctx context.Context, peer contact.Contact, params json.RawMessage) (interface{}, error) {
	n.overlay.Insert(peer)
	var p findNodeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errors.AddContext(err, "malformed find_node params")
	}
	return findNodeResult{Contacts: n.overlay.Closest(p.Target, overlay.BucketSize)}, nil
}

// startSeedLiveness implements SeedLiveness (spec.md §4.7, supplemented
// component): bootstrap through seed once, then re-PING it every
// PingInterval until Leave cancels the context. A failed liveness PING
// never evicts the seed from the routing table; Overlay's own
// least-recently-seen eviction already handles a seed that truly never
// responds again.
func (n *Node) startSeedLiveness(seed contact.Contact) {
	ctx, cancel := context.WithCancel(context.Background())
	n.seedCancels = append(n.seedCancels, cancel)

	if err := n.tg.Add(); err != nil {
		cancel()
		return
	}
	go func() {
		defer n.tg.Done()

		connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
		err := n.overlay.Connect(connectCtx, seed)
		connectCancel()
		if err != nil {
			n.log.Debugln("unable to connect to seed", seed, ":", err)
		}

		ticker := time.NewTicker(n.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.pingSeed(ctx, seed)
			}
		}
	}()
}

// startPendingSweep purges expired pending offer continuations on the same
// PingInterval cadence SeedLiveness uses (spec.md §9: "pick an explicit
// value and purge"). Unlike startSeedLiveness this runs once per Node, not
// once per seed, since it has nothing to do with any particular contact.
func (n *Node) startPendingSweep() {
	ctx, cancel := context.WithCancel(context.Background())
	n.sweepCancel = cancel

	if err := n.tg.Add(); err != nil {
		cancel()
		return
	}
	go func() {
		defer n.tg.Done()

		ticker := time.NewTicker(n.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if expired := n.proto.ExpirePending(time.Now()); len(expired) > 0 {
					n.log.Debugln("expired", len(expired), "pending offer(s) past their deadline")
				}
			}
		}
	}()
}

func (n *Node) pingSeed(ctx context.Context, seed contact.Contact) {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := n.client.Send(pingCtx, seed, protocol.MethodPing, pingParams{Contact: n.selfContact}); err != nil {
		n.log.Debugln("ping to seed", seed, "failed (seed retained regardless):", err)
		return
	}
	n.overlay.Insert(seed)
}

// pingParams mirrors protocol's own (unexported) pingParams: PING carries
// nothing but the sender's contact (spec.md §4.5's method table).
type pingParams struct {
	Contact contact.Contact `json:"contact"`
}

// identityMetadata tags the persisted private-key file so LoadOrGenerate
// rejects a foreign or stale file instead of misreading it.
var identityMetadata = persist.Metadata{Header: "shardd node identity", Version: "1.0"}

type identityFile struct {
	PrivateKeyHex string `json:"private_key_hex"`
}

// LoadOrGenerateIdentity loads the node's persistent keypair from
// dataDir/identity.json, generating and persisting a fresh one on first
// run. A stable identity across restarts matters because a node's NodeID
// is derived from its public key (spec.md §3, §4.1) and is what every
// peer's routing table, contracts, and StorageItems key on.
func LoadOrGenerateIdentity(dataDir string) (*identity.KeyPair, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, errors.AddContext(err, "unable to create data directory")
	}
	path := filepath.Join(dataDir, "identity.json")

	var f identityFile
	err := persist.LoadJSON(identityMetadata, &f, path)
	if err == nil {
		b, decodeErr := decodeHexKey(f.PrivateKeyHex)
		if decodeErr != nil {
			return nil, errors.AddContext(decodeErr, "corrupt identity file")
		}
		return identity.FromPrivateKeyBytes(b)
	}

	kp, genErr := identity.Generate()
	if genErr != nil {
		return nil, errors.AddContext(genErr, "unable to generate node identity")
	}
	f = identityFile{PrivateKeyHex: encodeHexKey(kp.PrivateKeyBytes())}
	if saveErr := persist.SaveJSON(identityMetadata, f, path); saveErr != nil {
		return nil, errors.AddContext(saveErr, "unable to persist new node identity")
	}
	return kp, nil
}

func encodeHexKey(b []byte) string { return hex.EncodeToString(b) }

func decodeHexKey(s string) ([]byte, error) { return hex.DecodeString(s) }
