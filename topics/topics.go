// Package topics implements spec.md's `Topics` external collaborator: a
// pub/sub layer built atop the DHT overlay (spec.md §1, §4.5 "Publish the
// contract object on topic Contract.type_tag via Topics"). Publishing a
// payload delivers it to this node's own local subscribers and broadcasts a
// PUBLISH RPC to the overlay's k-closest contacts for hash(topic), the
// shape SPEC_FULL's DOMAIN STACK section calls for; subscribing registers a
// local handler that fires for both locally-published and wire-delivered
// payloads.
package topics

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"sync"

	"golang.org/x/crypto/ripemd160"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/log"

	"gitlab.com/shardnet/shardd/contact"
	"gitlab.com/shardnet/shardd/identity"
	"gitlab.com/shardnet/shardd/overlay"
	"gitlab.com/shardnet/shardd/transport"
)

// publishMethod is the RPC method topics registers on the transport server
// to receive broadcasts from other peers.
const publishMethod = "PUBLISH"

// Handler processes one payload delivered on a subscribed topic.
type Handler func(ctx context.Context, payload json.RawMessage)

// publishParams is PUBLISH's wire params object: the topic name, the raw
// payload, and the sender's contact (every method in spec.md §4.5 carries a
// contact field for the signed-envelope verification path).
type publishParams struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Contact contact.Contact `json:"contact"`
}

// Topics is the pub/sub layer. One instance per node.
type Topics struct {
	self    contact.Contact
	overlay *overlay.Overlay
	client  *transport.Client
	log     *log.Logger

	mu          sync.RWMutex
	subscribers map[string][]Handler
}

// New returns a Topics instance that broadcasts over ov/client and
// identifies itself as self when publishing.
func New(self contact.Contact, ov *overlay.Overlay, client *transport.Client, logger *log.Logger) *Topics {
	return &Topics{
		self:        self,
		overlay:     ov,
		client:      client,
		log:         logger,
		subscribers: make(map[string][]Handler),
	}
}

// Register wires this Topics instance's PUBLISH handler onto srv so inbound
// broadcasts from peers reach local subscribers.
func (t *Topics) Register(srv *transport.Server) {
	srv.Handle(publishMethod, t.handlePublish)
}

func (t *Topics) handlePublish(ctx context.Context, _ contact.Contact, params json.RawMessage) (interface{}, error) {
	var p publishParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errors.AddContext(err, "malformed publish params")
	}
	t.dispatchLocal(ctx, p.Topic, p.Payload)
	return map[string]interface{}{}, nil
}

func (t *Topics) dispatchLocal(ctx context.Context, topic string, payload json.RawMessage) {
	t.mu.RLock()
	handlers := append([]Handler(nil), t.subscribers[topic]...)
	t.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, payload)
	}
}

// Subscribe registers h to run on every payload published to topic, whether
// delivered locally by Publish on this same node or received over the wire
// via a PUBLISH RPC.
func (t *Topics) Subscribe(topic string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers[topic] = append(t.subscribers[topic], h)
}

// Publish encodes payload and delivers it to local subscribers plus the
// overlay's k-closest contacts for hash(topic). It only fails if encoding
// fails or every remote delivery attempt failed while at least one peer was
// known; a topic with no known peers yet is not itself an error (the local
// dispatch above may be all that matters, e.g. a single-node cluster).
func (t *Topics) Publish(ctx context.Context, topic string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.AddContext(err, "unable to encode publish payload")
	}
	t.dispatchLocal(ctx, topic, raw)

	target := HashTopic(topic)
	peers, err := t.overlay.FindNode(ctx, target)
	if err != nil {
		if errors.Contains(err, overlay.ErrNotFound) {
			return nil
		}
		return errors.AddContext(err, "unable to resolve publish recipients")
	}

	params := publishParams{Topic: topic, Payload: raw, Contact: t.self}
	var lastErr error
	delivered := 0
	for _, peer := range peers {
		if _, sendErr := t.client.Send(ctx, peer, publishMethod, params); sendErr != nil {
			t.log.Debugln("publish to peer failed:", peer.NodeID, sendErr)
			lastErr = sendErr
			continue
		}
		delivered++
	}
	if delivered == 0 && len(peers) > 0 {
		return errors.AddContext(lastErr, "unable to deliver publish to any known peer")
	}
	return nil
}

// HashTopic derives the DHT key a topic is broadcast under, using the same
// sha256-then-ripemd160 construction package identity uses to derive a
// NodeID from a public key.
func HashTopic(topic string) identity.NodeID {
	sum := sha256.Sum256([]byte(topic))
	r := ripemd160.New()
	r.Write(sum[:])
	var id identity.NodeID
	copy(id[:], r.Sum(nil))
	return id
}
