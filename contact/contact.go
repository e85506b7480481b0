// Package contact implements component C3: Contact URI parsing/formatting
// and a bounded cache of peer public keys, keyed by NodeID.
package contact

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/shardnet/shardd/identity"
)

// Contact is a peer's network location plus its claimed node identity, in
// the wire form `scheme://host:port/<nodeIdHex20>` (spec.md §3, §6).
type Contact struct {
	Scheme  string
	Address string
	Port    uint16
	NodeID  identity.NodeID
}

// String formats the Contact as its canonical seed URI.
func (c Contact) String() string {
	return fmt.Sprintf("%s://%s:%d/%s", c.Scheme, c.Address, c.Port, c.NodeID.String())
}

// HostPort returns the "host:port" form used to dial the contact.
func (c Contact) HostPort() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// ParseURI parses a seed/contact URI of the form
// `<scheme>://<host>:<port>/<nodeIdHex20>`.
func ParseURI(raw string) (Contact, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Contact{}, errors.AddContext(err, "invalid contact uri")
	}
	if u.Scheme == "" || u.Host == "" {
		return Contact{}, errors.New("contact uri is missing a scheme or host")
	}
	hexID := strings.TrimPrefix(u.Path, "/")
	if hexID == "" {
		return Contact{}, errors.New("contact uri is missing a node id")
	}
	id, err := identity.NodeIDFromString(hexID)
	if err != nil {
		return Contact{}, errors.AddContext(err, "invalid node id in contact uri")
	}
	host, portStr, err := splitHostPort(u.Host)
	if err != nil {
		return Contact{}, errors.AddContext(err, "invalid host:port in contact uri")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Contact{}, errors.AddContext(err, "invalid port in contact uri")
	}
	return Contact{
		Scheme:  u.Scheme,
		Address: host,
		Port:    uint16(port),
		NodeID:  id,
	}, nil
}

func splitHostPort(hostport string) (host, port string, err error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return "", "", errors.New("missing port")
	}
	return hostport[:idx], hostport[idx+1:], nil
}

// defaultCacheSize bounds the PubkeyCache so a malicious swarm of
// fabricated node ids cannot grow it without bound.
const defaultCacheSize = 4096

// Book is the ContactBook: a bounded NodeID -> compressed-pubkey cache,
// populated by transport.Server on every successful inbound verification (spec.md
// §4.2, §4.9: "the cache MAY be used to short-circuit ECDSA recovery,
// provided the cached key's derived node_id is re-checked on every use").
// It is purely a lookup cache; it is never authoritative over node id
// derivation, so Book never performs that re-check itself — callers that
// use CachedPubKey to skip recovery are responsible for re-deriving and
// comparing the NodeID.
type Book struct {
	mu       sync.RWMutex
	pubkeys  map[identity.NodeID][]byte
	order    []identity.NodeID
	capacity int
}

// NewBook returns an empty Book bounded to capacity entries (0 means use
// the package default).
func NewBook(capacity int) *Book {
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	return &Book{
		pubkeys:  make(map[identity.NodeID][]byte),
		capacity: capacity,
	}
}

// Cache records pubkey as the known public key for id, evicting the oldest
// entry if the cache is full.
func (b *Book) Cache(id identity.NodeID, pubkey []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.pubkeys[id]; !exists {
		if len(b.order) >= b.capacity {
			oldest := b.order[0]
			b.order = b.order[1:]
			delete(b.pubkeys, oldest)
		}
		b.order = append(b.order, id)
	}
	cp := make([]byte, len(pubkey))
	copy(cp, pubkey)
	b.pubkeys[id] = cp
}

// PubKey returns the cached public key for id, if any.
func (b *Book) PubKey(id identity.NodeID) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pk, ok := b.pubkeys[id]
	return pk, ok
}

// Len reports how many entries are currently cached.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pubkeys)
}
