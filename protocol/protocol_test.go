package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/log"

	"gitlab.com/shardnet/shardd/contact"
	"gitlab.com/shardnet/shardd/identity"
	"gitlab.com/shardnet/shardd/overlay"
	"gitlab.com/shardnet/shardd/persist"
	"gitlab.com/shardnet/shardd/rpcerr"
	"gitlab.com/shardnet/shardd/storagebackend"
	"gitlab.com/shardnet/shardd/topics"
	"gitlab.com/shardnet/shardd/transport"
)

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	l, err := persist.NewLogger(filepath.Join(t.TempDir(), "protocol.log"))
	if err != nil {
		t.Fatal(err)
	}
	return l.Logger
}

type findNodeParams struct {
	Target  identity.NodeID `json:"target"`
	Contact contact.Contact `json:"contact"`
}

type findNodeResult struct {
	Contacts []contact.Contact `json:"contacts"`
}

// node bundles every collaborator a single peer needs so tests can stand
// up a renter and a farmer in-process and let them talk over real
// transport/overlay/topics wiring.
type node struct {
	kp      *identity.KeyPair
	contact contact.Contact
	srv     *transport.Server
	overlay *overlay.Overlay
	client  *transport.Client
	topics  *topics.Topics
	blobs   *storagebackend.BlobStore
	items   *storagebackend.ItemStore
	proto   *Protocol
}

func newNode(t *testing.T) *node {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	book := contact.NewBook(0)
	srv := transport.NewServer(kp, book, testLogger(t))
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })

	host, portStr, err := net.SplitHostPort(srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		t.Fatal(err)
	}
	self := contact.Contact{Scheme: "shard", Address: host, Port: uint16(port), NodeID: kp.NodeID()}

	client := transport.NewClient(kp)
	n := &node{kp: kp, contact: self, srv: srv, client: client}
	n.overlay = overlay.New(kp.NodeID(), func(ctx context.Context, peer contact.Contact, target identity.NodeID) ([]contact.Contact, error) {
		raw, err := client.Send(ctx, peer, "FIND_NODE", findNodeParams{Target: target, Contact: self})
		if err != nil {
			return nil, err
		}
		var resp findNodeResult
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, err
		}
		return resp.Contacts, nil
	})
	srv.Handle("FIND_NODE", func(ctx context.Context, peer contact.Contact, params json.RawMessage) (interface{}, error) {
		n.overlay.Insert(peer)
		var p findNodeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return findNodeResult{Contacts: n.overlay.Closest(p.Target, overlay.BucketSize)}, nil
	})

	n.topics = topics.New(self, n.overlay, client, testLogger(t))

	blobs, err := storagebackend.NewBlobStore(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { blobs.Close() })
	n.blobs = blobs

	items, err := storagebackend.NewItemStore(filepath.Join(t.TempDir(), "items"))
	if err != nil {
		t.Fatal(err)
	}
	n.items = items

	n.proto = New(kp, self, n.overlay, client, n.topics, blobs, items, testLogger(t))
	n.topics.Register(srv)
	n.proto.Register(srv)
	return n
}

func connect(a, b *node) {
	a.overlay.Insert(b.contact)
	b.overlay.Insert(a.contact)
}

func TestStoreConsignRetrieveAudit(t *testing.T) {
	renter := newNode(t)
	farmer := newNode(t)
	connect(renter, farmer)

	data := []byte("the quick brown fox jumps over the lazy dog")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shardHash, err := renter.proto.Store(ctx, data, time.Hour)
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if shardHash != ShardHash(data) {
		t.Fatalf("store returned %x, want %x", shardHash, ShardHash(data))
	}

	got, err := renter.proto.Retrieve(ctx, shardHash)
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("retrieve returned %q, want %q", got, data)
	}

	ok, err := renter.proto.Audit(ctx, shardHash)
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if !ok {
		t.Fatal("expected audit to pass while farmer retains the shard")
	}

	var remaining int
	err = renter.items.View(shardHash, func(item *storagebackend.StorageItem) error {
		priv := item.Challenges[farmer.kp.NodeID()]
		remaining = priv.Remaining()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if remaining != DefaultAuditCount-1 {
		t.Fatalf("expected %d remaining challenges after one audit, got %d", DefaultAuditCount-1, remaining)
	}
}

func TestAuditFailsAfterFarmerDiscardsShard(t *testing.T) {
	renter := newNode(t)
	farmer := newNode(t)
	connect(renter, farmer)

	data := []byte("shard that will be discarded")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shardHash, err := renter.proto.Store(ctx, data, time.Hour)
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}

	if err := farmer.blobs.Delete(shardHash); err != nil {
		t.Fatal(err)
	}

	ok, err := renter.proto.Audit(ctx, shardHash)
	if err != nil {
		t.Fatalf("audit returned unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected audit to fail once the farmer has discarded the shard")
	}
}

func TestRetrieveUnknownShardIsStorageError(t *testing.T) {
	renter := newNode(t)
	var unknown [20]byte
	unknown[0] = 0xEE

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := renter.proto.Retrieve(ctx, unknown)
	if err == nil {
		t.Fatal("expected an error for an unknown shard hash")
	}
	if !errors.Contains(err, rpcerr.ErrStorageError) {
		t.Fatalf("expected ErrStorageError, got %v", err)
	}
}

func TestStoreTimesOutWithNoFarmer(t *testing.T) {
	renter := newNode(t)
	renter.proto.SetOfferTimeout(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := renter.proto.Store(ctx, []byte("nobody will offer on this"), time.Hour)
	if err == nil {
		t.Fatal("expected store to time out with no reachable farmer")
	}
}

func TestShardHashDeterministic(t *testing.T) {
	a := ShardHash([]byte("hello"))
	b := ShardHash([]byte("hello"))
	if a != b {
		t.Fatal("expected ShardHash to be deterministic")
	}
	if ShardHash([]byte("hello")) == ShardHash([]byte("world")) {
		t.Fatal("expected different inputs to hash differently")
	}
}
