package topics

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"gitlab.com/NebulousLabs/log"

	"gitlab.com/shardnet/shardd/contact"
	"gitlab.com/shardnet/shardd/identity"
	"gitlab.com/shardnet/shardd/overlay"
	"gitlab.com/shardnet/shardd/persist"
	"gitlab.com/shardnet/shardd/transport"
)

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	l, err := persist.NewLogger(filepath.Join(t.TempDir(), "topics.log"))
	if err != nil {
		t.Fatal(err)
	}
	return l.Logger
}

// node bundles everything one simulated peer needs: its keypair, transport
// server/client, overlay, and Topics instance.
type node struct {
	kp      *identity.KeyPair
	contact contact.Contact
	srv     *transport.Server
	overlay *overlay.Overlay
	topics  *Topics
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
	n := &node{kp: kp, contact: self, srv: srv}
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
	n.topics = New(self, n.overlay, client, testLogger(t))
	n.topics.Register(srv)
	return n
}

type findNodeParams struct {
	Target  identity.NodeID `json:"target"`
	Contact contact.Contact `json:"contact"`
}

type findNodeResult struct {
	Contacts []contact.Contact `json:"contacts"`
}

func TestPublishDeliversToRemoteSubscriber(t *testing.T) {
	a := newNode(t)
	b := newNode(t)

	a.overlay.Insert(b.contact)
	b.overlay.Insert(a.contact)

	type payload struct {
		Msg string `json:"msg"`
	}
	received := make(chan string, 1)
	b.topics.Subscribe("shardnet/storage-contract/v1", func(ctx context.Context, raw json.RawMessage) {
		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Error(err)
			return
		}
		received <- p.Msg
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.topics.Publish(ctx, "shardnet/storage-contract/v1", payload{Msg: "hello"}); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-received:
		if msg != "hello" {
			t.Fatalf("got %q, want hello", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never received the published payload")
	}
}

func TestPublishDispatchesLocally(t *testing.T) {
	a := newNode(t)

	fired := false
	a.topics.Subscribe("topic", func(ctx context.Context, raw json.RawMessage) {
		fired = true
	})

	if err := a.topics.Publish(context.Background(), "topic", map[string]int{"x": 1}); err != nil {
		t.Fatal(err)
	}
	if !fired {
		t.Fatal("expected the publishing node's own local subscriber to fire")
	}
}

func TestHashTopicDeterministic(t *testing.T) {
	a := HashTopic("shardnet/storage-contract/v1")
	b := HashTopic("shardnet/storage-contract/v1")
	if a != b {
		t.Fatal("expected HashTopic to be deterministic")
	}
	c := HashTopic("something-else")
	if a == c {
		t.Fatal("expected different topics to hash differently")
	}
}
