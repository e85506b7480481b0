package transport

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strconv"
	"testing"

	"gitlab.com/NebulousLabs/log"

	"gitlab.com/shardnet/shardd/contact"
	"gitlab.com/shardnet/shardd/identity"
	"gitlab.com/shardnet/shardd/persist"
)

type pingParams struct {
	Contact contact.Contact `json:"contact"`
}

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	l, err := persist.NewLogger(filepath.Join(t.TempDir(), "transport.log"))
	if err != nil {
		t.Fatal(err)
	}
	return l.Logger
}

func addrHost(t *testing.T, srv *Server) string {
	t.Helper()
	host, _, err := net.SplitHostPort(srv.listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return host
}

func addrPort(t *testing.T, srv *Server) uint16 {
	t.Helper()
	_, port, err := net.SplitHostPort(srv.listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		t.Fatal(err)
	}
	return uint16(p)
}

func TestPingRoundTrip(t *testing.T) {
	serverKP, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	clientKP, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}

	book := contact.NewBook(0)
	srv := NewServer(serverKP, book, testLogger(t))
	var receivedPeer contact.Contact
	srv.Handle("PING", func(ctx context.Context, peer contact.Contact, params json.RawMessage) (interface{}, error) {
		receivedPeer = peer
		return map[string]interface{}{}, nil
	})
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	client := NewClient(clientKP)
	clientContact := contact.Contact{Scheme: "shard", Address: "127.0.0.1", Port: 9, NodeID: clientKP.NodeID()}

	_, err = client.Send(context.Background(), contact.Contact{
		Scheme:  "shard",
		Address: addrHost(t, srv),
		Port:    addrPort(t, srv),
		NodeID:  serverKP.NodeID(),
	}, "PING", pingParams{Contact: clientContact})
	if err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if receivedPeer.NodeID != clientKP.NodeID() {
		t.Fatalf("server saw wrong peer node id: %v", receivedPeer.NodeID)
	}
	if _, ok := book.PubKey(clientKP.NodeID()); !ok {
		t.Fatal("expected server's contact book to cache the client's pubkey")
	}
}

func TestForgedRequestIsRejected(t *testing.T) {
	serverKP, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	book := contact.NewBook(0)
	srv := NewServer(serverKP, book, testLogger(t))
	called := false
	srv.Handle("PING", func(ctx context.Context, peer contact.Contact, params json.RawMessage) (interface{}, error) {
		called = true
		return map[string]interface{}{}, nil
	})
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	// An attacker claiming a node id it cannot sign for.
	forger, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	victim, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	client := NewClient(forger)
	forged := contact.Contact{Scheme: "shard", Address: "127.0.0.1", Port: 9, NodeID: victim.NodeID()}

	_, err = client.Send(context.Background(), contact.Contact{
		Scheme:  "shard",
		Address: addrHost(t, srv),
		Port:    addrPort(t, srv),
		NodeID:  serverKP.NodeID(),
	}, "PING", pingParams{Contact: forged})
	if err == nil {
		t.Fatal("expected forged request to be rejected")
	}
	if called {
		t.Fatal("handler must not run for a request that fails authentication")
	}
}
