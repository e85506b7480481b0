// Package protocol implements component C5 (ContractProtocol) and C6
// (AuditCoordinator): the renter and farmer halves of the publish -> offer
// -> consign negotiation (spec.md §4.5) and the audit challenge/response
// round trip (spec.md §4.6), wired through package transport's signed RPC,
// package topics' pub/sub, package overlay's lookups, and package
// storagebackend's persistence. The shape — a struct holding every
// collaborator plus a handful of managedRPC-style handler methods wired
// onto a server in one Register call — follows the teacher's own host
// package (modules/host/rpcupdatepricetable.go and friends): each RPC is
// one method, named for the thing it handles, wrapping errors with
// errors.AddContext as it goes.
package protocol

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/ripemd160"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/log"

	"gitlab.com/shardnet/shardd/auditproof"
	"gitlab.com/shardnet/shardd/contact"
	"gitlab.com/shardnet/shardd/contract"
	"gitlab.com/shardnet/shardd/identity"
	"gitlab.com/shardnet/shardd/overlay"
	"gitlab.com/shardnet/shardd/pending"
	"gitlab.com/shardnet/shardd/rpcerr"
	"gitlab.com/shardnet/shardd/storagebackend"
	"gitlab.com/shardnet/shardd/topics"
	"gitlab.com/shardnet/shardd/transport"
)

// RPC method names (spec.md §4.5's method table).
const (
	MethodPing     = "PING"
	MethodOffer    = "OFFER"
	MethodConsign  = "CONSIGN"
	MethodRetrieve = "RETRIEVE"
	MethodAudit    = "AUDIT"
)

// DefaultAuditCount is the number of challenge/response leaves built into
// a new contract's audit tree (spec.md §6).
const DefaultAuditCount = 12

// DefaultOfferTimeout bounds how long store() waits for a farmer to OFFER
// on a newly published contract before the pending entry is purged
// (spec.md §9: unspecified in source, 60s picked here and recorded as a
// resolved Open Question).
const DefaultOfferTimeout = 60 * time.Second

// pingParams/pingResult, offerParams/offerResult, consignParams/
// consignResult, retrieveParams/retrieveResult, and auditParams/
// auditResult are exactly the wire shapes spec.md §4.5's method table
// specifies. auditproof's Hash/PublicRecord/PrivateRecord/Challenge/Proof
// types all marshal to JSON directly (see auditproof.Hash.MarshalJSON),
// so these carry them as plain fields with no wire-specific mirror type.
type pingParams struct {
	Contact contact.Contact `json:"contact"`
}

type pingResult struct{}

type offerParams struct {
	Contract contract.Contract `json:"contract"`
	Contact  contact.Contact   `json:"contact"`
}

type offerResult struct {
	Contract contract.Contract `json:"contract"`
}

type consignParams struct {
	DataHash        [20]byte                `json:"data_hash"`
	DataShardHex    string                  `json:"data_shard_hex"`
	AuditTreePublic auditproof.PublicRecord `json:"audit_tree_public"`
	Contact         contact.Contact         `json:"contact"`
}

type consignResult struct {
	Token string `json:"token"`
}

type retrieveParams struct {
	DataHash [20]byte        `json:"data_hash"`
	Contact  contact.Contact `json:"contact"`
}

type retrieveResult struct {
	DataShardHex string `json:"data_shard_hex"`
}

type auditParams struct {
	DataHash  [20]byte             `json:"data_hash"`
	Challenge auditproof.Challenge `json:"challenge"`
	Contact   contact.Contact      `json:"contact"`
}

type auditResult struct {
	Proof auditproof.Proof `json:"proof"`
}

// Protocol holds every collaborator ContractProtocol and AuditCoordinator
// need and exposes the renter-facing Store/Retrieve/Audit operations plus
// the RPC handlers both roles serve.
type Protocol struct {
	self        *identity.KeyPair
	selfContact contact.Contact

	overlay *overlay.Overlay
	client  *transport.Client
	topics  *topics.Topics
	blobs   *storagebackend.BlobStore
	items   *storagebackend.ItemStore
	pending *pending.Table

	selector storagebackend.FarmerSelector
	log      *log.Logger

	auditCount   uint32
	offerTimeout time.Duration
}

// New returns a Protocol that signs and identifies itself as self/selfContact,
// using ov/client for DHT lookups and RPC, tp for contract publish/subscribe,
// and blobs/items for farmer-side and renter-side persistence respectively.
func New(
	self *identity.KeyPair,
	selfContact contact.Contact,
	ov *overlay.Overlay,
	client *transport.Client,
	tp *topics.Topics,
	blobs *storagebackend.BlobStore,
	items *storagebackend.ItemStore,
	logger *log.Logger,
) *Protocol {
	return &Protocol{
		self:         self,
		selfContact:  selfContact,
		overlay:      ov,
		client:       client,
		topics:       tp,
		blobs:        blobs,
		items:        items,
		pending:      pending.New(),
		selector:     storagebackend.DefaultFarmerSelector,
		log:          logger,
		auditCount:   DefaultAuditCount,
		offerTimeout: DefaultOfferTimeout,
	}
}

// SetFarmerSelector overrides which farmer Retrieve/Audit act against when
// a StorageItem has more than one replica on file.
func (p *Protocol) SetFarmerSelector(sel storagebackend.FarmerSelector) {
	p.selector = sel
}

// SetOfferTimeout overrides how long Store waits for a farmer to OFFER
// before giving up, mainly so tests don't have to wait out
// DefaultOfferTimeout.
func (p *Protocol) SetOfferTimeout(d time.Duration) {
	p.offerTimeout = d
}

// PendingStats reports the underlying PendingTable's cumulative taken and
// expired counts, exposed by the node façade alongside its other metrics.
func (p *Protocol) PendingStats() (taken, expired uint64) {
	return p.pending.Stats()
}

// ExpirePending purges pending offer continuations past their deadline;
// the node façade calls this from its own sweep loop, which ticks at the
// same PingInterval SeedLiveness uses for PING (spec.md §9: "pick an
// explicit value and purge").
func (p *Protocol) ExpirePending(now time.Time) [][20]byte {
	return p.pending.Expire(now)
}

// Register wires every RPC method this component serves onto srv and
// subscribes to the contract type tag topic for the farmer-side offer flow.
func (p *Protocol) Register(srv *transport.Server) {
	srv.Handle(MethodPing, p.handlePing)
	srv.Handle(MethodOffer, p.handleOffer)
	srv.Handle(MethodConsign, p.handleConsign)
	srv.Handle(MethodRetrieve, p.handleRetrieve)
	srv.Handle(MethodAudit, p.handleAudit)
	p.topics.Subscribe(contract.TypeTag, p.handleContractBroadcast)
}

// ShardHash derives a shard's content address: ripemd160(sha256(data))
// (spec.md §3, GLOSSARY).
func ShardHash(data []byte) [20]byte {
	sum := sha256.Sum256(data)
	r := ripemd160.New()
	r.Write(sum[:])
	var out [20]byte
	copy(out[:], r.Sum(nil))
	return out
}

func (p *Protocol) handlePing(ctx context.Context, peer contact.Contact, params json.RawMessage) (interface{}, error) {
	p.overlay.Insert(peer)
	return pingResult{}, nil
}

// Store implements the renter-side store() operation (spec.md §4.5): it
// builds and publishes a contract for data, then blocks until the first
// valid OFFER has been countersigned, consigned to the offering farmer,
// and persisted, or until offerTimeout/ctx expires.
func (p *Protocol) Store(ctx context.Context, data []byte, duration time.Duration) ([20]byte, error) {
	shardHash := ShardHash(data)
	now := time.Now()

	base := &contract.Contract{
		DataHash:   shardHash,
		DataSize:   uint64(len(data)),
		StoreBegin: now,
		StoreEnd:   now.Add(duration),
		AuditCount: p.auditCount,
	}
	if err := base.SetRenterID(p.self.NodeID()); err != nil {
		return shardHash, errors.AddContext(err, "unable to set renter id")
	}

	pub, priv, err := auditproof.Build(data, int(p.auditCount))
	if err != nil {
		return shardHash, errors.AddContext(err, "unable to build audit tree")
	}

	result := make(chan error, 1)
	onOffer := func(peer contact.Contact, offered *contract.Contract) error {
		err := p.completeOffer(ctx, peer, offered, shardHash, data, pub, priv)
		result <- err
		return err
	}
	p.pending.Insert(shardHash, onOffer, now, p.offerTimeout)

	if err := p.topics.Publish(ctx, base.TypeTag(), base); err != nil {
		p.pending.Take(shardHash)
		return shardHash, errors.AddContext(err, "unable to publish contract")
	}

	select {
	case err := <-result:
		return shardHash, err
	case <-time.After(p.offerTimeout):
		p.pending.Take(shardHash)
		return shardHash, errors.New("offer timed out: no farmer responded within the offer window")
	case <-ctx.Done():
		p.pending.Take(shardHash)
		return shardHash, ctx.Err()
	}
}

// completeOffer is the renter-side continuation invoked once an OFFER for
// shardHash has arrived: verify the farmer's signature, countersign as
// renter (mutating offered in place so handleOffer's caller sees it too),
// send CONSIGN, and persist the resulting StorageItem (spec.md §4.5).
func (p *Protocol) completeOffer(
	ctx context.Context,
	peer contact.Contact,
	offered *contract.Contract,
	shardHash [20]byte,
	data []byte,
	pub auditproof.PublicRecord,
	priv auditproof.PrivateRecord,
) error {
	if offered.FarmerID != peer.NodeID {
		return errors.Extend(errors.New("offer's farmer_id does not match the offering contact"), rpcerr.ErrContractRejected)
	}
	ok, err := offered.Verify(contract.RoleFarmer, offered.FarmerID)
	if err != nil {
		return errors.Extend(err, rpcerr.ErrContractRejected)
	}
	if !ok {
		return errors.Extend(errors.New("farmer signature does not verify"), rpcerr.ErrContractRejected)
	}
	if err := offered.Sign(contract.RoleRenter, p.self); err != nil {
		return errors.AddContext(err, "unable to countersign contract")
	}

	cp := consignParams{
		DataHash:        shardHash,
		DataShardHex:    hex.EncodeToString(data),
		AuditTreePublic: pub,
		Contact:         p.selfContact,
	}
	raw, err := p.client.Send(ctx, peer, MethodConsign, cp)
	if err != nil {
		return err
	}
	var cr consignResult
	if err := json.Unmarshal(raw, &cr); err != nil {
		return errors.Extend(err, rpcerr.ErrBadResponse)
	}
	if cr.Token == "" {
		return errors.Extend(errors.New("consign response carried no token"), rpcerr.ErrBadResponse)
	}

	err = p.items.Mutate(shardHash, func(item *storagebackend.StorageItem) error {
		item.Put(offered.FarmerID, *offered, pub, priv, nil)
		return nil
	})
	if err != nil {
		return errors.Extend(err, rpcerr.ErrStorageError)
	}
	return nil
}

// handleOffer serves the renter side of OFFER: take the pending
// continuation registered by Store for this shard and run it; the
// continuation's countersigned contract (or error) becomes this RPC's
// result (spec.md §4.5's OFFER result: "{contract} (countersigned) or
// error").
func (p *Protocol) handleOffer(ctx context.Context, peer contact.Contact, params json.RawMessage) (interface{}, error) {
	var op offerParams
	if err := json.Unmarshal(params, &op); err != nil {
		return nil, errors.AddContext(err, "malformed offer params")
	}
	entry, ok := p.pending.Take(op.Contract.DataHash)
	if !ok {
		return nil, errors.Extend(errors.New("no pending offer for this shard"), rpcerr.ErrContractRejected)
	}
	offered := op.Contract
	if err := entry.OnOffer(peer, &offered); err != nil {
		return nil, errors.Extend(err, rpcerr.ErrContractRejected)
	}
	return offerResult{Contract: offered}, nil
}

// handleContractBroadcast is the farmer-side "on subscribe(Contract.type_tag)"
// handler (spec.md §4.5): decode the published contract, sign on as farmer,
// locate the renter, OFFER, and persist a StorageItem stub on success.
// Every failure here is dropped silently, matching the source's behavior
// for a farmer that declines or cannot reach the renter.
func (p *Protocol) handleContractBroadcast(ctx context.Context, payload json.RawMessage) {
	var c contract.Contract
	if err := json.Unmarshal(payload, &c); err != nil {
		p.log.Debugln("dropping malformed contract broadcast:", err)
		return
	}
	if err := c.SetFarmerID(p.self.NodeID()); err != nil {
		p.log.Debugln("dropping contract broadcast: already locked:", err)
		return
	}
	c.SetPaymentDestination(p.self.Address())
	if err := c.Sign(contract.RoleFarmer, p.self); err != nil {
		p.log.Debugln("unable to sign offer:", err)
		return
	}

	renter, err := p.overlay.Lookup(ctx, c.RenterID)
	if err != nil {
		p.log.Debugln("unable to locate renter for offer:", err)
		return
	}

	raw, err := p.client.Send(ctx, renter, MethodOffer, offerParams{Contract: c, Contact: p.selfContact})
	if err != nil {
		p.log.Debugln("offer to renter failed:", err)
		return
	}
	var or offerResult
	if err := json.Unmarshal(raw, &or); err != nil {
		p.log.Debugln("malformed offer response:", err)
		return
	}
	ok, err := or.Contract.Verify(contract.RoleRenter, or.Contract.RenterID)
	if err != nil || !ok || or.Contract.RenterID != c.RenterID {
		p.log.Debugln("renter signature does not verify; abandoning offer")
		return
	}

	err = p.items.Mutate(or.Contract.DataHash, func(item *storagebackend.StorageItem) error {
		item.Put(or.Contract.RenterID, or.Contract, auditproof.PublicRecord{}, auditproof.PrivateRecord{}, nil)
		return nil
	})
	if err != nil {
		p.log.Debugln("unable to persist storage item stub:", err)
	}
}

// handleConsign serves the farmer side of CONSIGN: store the shard bytes,
// verify they hash to the claimed data_hash, and record the audit tree's
// public record under the consigning renter (spec.md §4.5: "Duplicate
// CONSIGN for the same (renter, shard) is idempotent").
func (p *Protocol) handleConsign(ctx context.Context, peer contact.Contact, params json.RawMessage) (interface{}, error) {
	var cp consignParams
	if err := json.Unmarshal(params, &cp); err != nil {
		return nil, errors.AddContext(err, "malformed consign params")
	}
	data, err := hex.DecodeString(cp.DataShardHex)
	if err != nil {
		return nil, errors.Extend(err, rpcerr.ErrBadResponse)
	}
	if ShardHash(data) != cp.DataHash {
		return nil, errors.Extend(errors.New("consigned bytes do not hash to the claimed data_hash"), rpcerr.ErrBadResponse)
	}
	if err := p.blobs.Put(cp.DataHash, data); err != nil {
		return nil, errors.Extend(err, rpcerr.ErrStorageError)
	}

	err = p.items.Mutate(cp.DataHash, func(item *storagebackend.StorageItem) error {
		if _, ok := item.Contracts[peer.NodeID]; !ok {
			return storagebackend.ErrFarmerNotFound
		}
		item.Trees[peer.NodeID] = cp.AuditTreePublic
		return nil
	})
	if err != nil {
		return nil, errors.Extend(err, rpcerr.ErrStorageError)
	}
	return consignResult{Token: hex.EncodeToString(cp.DataHash[:])}, nil
}

// handleRetrieve serves the farmer side of RETRIEVE: return the raw shard
// bytes stored under data_hash.
func (p *Protocol) handleRetrieve(ctx context.Context, peer contact.Contact, params json.RawMessage) (interface{}, error) {
	var rp retrieveParams
	if err := json.Unmarshal(params, &rp); err != nil {
		return nil, errors.AddContext(err, "malformed retrieve params")
	}
	data, err := p.blobs.Get(rp.DataHash)
	if err != nil {
		return nil, errors.Extend(err, rpcerr.ErrStorageError)
	}
	return retrieveResult{DataShardHex: hex.EncodeToString(data)}, nil
}

// handleAudit serves the farmer side of AUDIT: recompute the leaf the
// challenge's pre-image commits to against the currently stored shard
// bytes and return its Merkle proof (spec.md §4.6). A farmer that has
// discarded the shard — or never agreed to store it in the first place —
// cannot produce a proof; per spec.md §8 S4 that is not a protocol error,
// it is an observation the renter must be able to make cleanly, so this
// returns a zero-value auditResult whose empty Proof fails the renter's
// Verify check instead of surfacing an RPC error. Only a malformed request
// itself is a genuine error.
func (p *Protocol) handleAudit(ctx context.Context, peer contact.Contact, params json.RawMessage) (interface{}, error) {
	var ap auditParams
	if err := json.Unmarshal(params, &ap); err != nil {
		return nil, errors.AddContext(err, "malformed audit params")
	}
	data, err := p.blobs.Get(ap.DataHash)
	if err != nil {
		p.log.Debugln("audit requested for a shard we no longer hold:", err)
		return auditResult{}, nil
	}

	var pub auditproof.PublicRecord
	err = p.items.View(ap.DataHash, func(item *storagebackend.StorageItem) error {
		t, ok := item.Trees[peer.NodeID]
		if !ok {
			return storagebackend.ErrFarmerNotFound
		}
		pub = t
		return nil
	})
	if err != nil {
		p.log.Debugln("audit requested by an unrecognized counterparty:", err)
		return auditResult{}, nil
	}

	index, err := auditproof.FindLeaf(pub, ap.Challenge.Preimage, data)
	if err != nil {
		p.log.Debugln("audit challenge does not match the currently stored shard:", err)
		return auditResult{}, nil
	}
	proof, err := auditproof.BuildProof(pub, index)
	if err != nil {
		return nil, errors.AddContext(err, "unable to build audit proof")
	}
	return auditResult{Proof: proof}, nil
}

// Retrieve implements the renter-facing retrieve() operation: select a
// farmer holding shardHash, fetch the bytes from it, and verify they still
// hash to shardHash (spec.md §8 invariant 4, S2).
func (p *Protocol) Retrieve(ctx context.Context, shardHash [20]byte) ([]byte, error) {
	farmer, err := p.selectFarmer(shardHash)
	if err != nil {
		return nil, err
	}
	peer, err := p.overlay.Lookup(ctx, farmer)
	if err != nil {
		return nil, errors.Extend(err, rpcerr.ErrPeerNotFound)
	}

	raw, err := p.client.Send(ctx, peer, MethodRetrieve, retrieveParams{DataHash: shardHash, Contact: p.selfContact})
	if err != nil {
		return nil, err
	}
	var rr retrieveResult
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, errors.Extend(err, rpcerr.ErrBadResponse)
	}
	data, err := hex.DecodeString(rr.DataShardHex)
	if err != nil {
		return nil, errors.Extend(err, rpcerr.ErrBadResponse)
	}
	if ShardHash(data) != shardHash {
		return nil, errors.Extend(errors.New("retrieved bytes do not hash to the requested shard hash"), rpcerr.ErrBadResponse)
	}
	return data, nil
}

// Audit implements AuditCoordinator's audit() operation (spec.md §4.6):
// pick a farmer, pop its next unused challenge (committed to disk before
// this call returns), send AUDIT, and verify the returned proof against
// the challenge's committed leaf.
func (p *Protocol) Audit(ctx context.Context, shardHash [20]byte) (bool, error) {
	farmer, err := p.selectFarmer(shardHash)
	if err != nil {
		return false, err
	}
	peer, err := p.overlay.Lookup(ctx, farmer)
	if err != nil {
		return false, errors.Extend(err, rpcerr.ErrPeerNotFound)
	}

	challenge, pub, err := p.items.PopChallenge(shardHash, farmer)
	if err != nil {
		if errors.Contains(err, auditproof.ErrChallengesExhausted) {
			return false, errors.Extend(err, rpcerr.ErrChallengesExhausted)
		}
		return false, errors.Extend(err, rpcerr.ErrStorageError)
	}

	raw, err := p.client.Send(ctx, peer, MethodAudit, auditParams{DataHash: shardHash, Challenge: challenge, Contact: p.selfContact})
	if err != nil {
		return false, err
	}
	var ar auditResult
	if err := json.Unmarshal(raw, &ar); err != nil {
		return false, errors.Extend(err, rpcerr.ErrBadResponse)
	}

	verifier := auditproof.NewVerifier(pub.Root, pub.NumLeaves)
	return verifier.Verify(challenge.Leaf, ar.Proof), nil
}

// selectFarmer loads shardHash's StorageItem and applies the configured
// FarmerSelector, wrapping the "no item" and "no farmers" cases as
// StorageError (spec.md §8 S5: "R.retrieve(random_unknown_hash) ->
// StorageError (item not loaded)").
func (p *Protocol) selectFarmer(shardHash [20]byte) (identity.NodeID, error) {
	var farmer identity.NodeID
	var found bool
	err := p.items.View(shardHash, func(item *storagebackend.StorageItem) error {
		farmer, found = p.selector(item)
		return nil
	})
	if err != nil {
		return identity.NodeID{}, errors.Extend(err, rpcerr.ErrStorageError)
	}
	if !found {
		return identity.NodeID{}, errors.Extend(errors.New("storage item has no farmers on record"), rpcerr.ErrStorageError)
	}
	return farmer, nil
}
