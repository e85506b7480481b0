// Package contract implements the Contract data model that spec.md §1
// lists as an external collaborator ("opaque to this core") but whose
// shape spec.md §3 pins down precisely enough to build: a signed agreement
// between a renter and a farmer over one shard, published on a pub/sub
// topic identified by its type tag and carried, signed, through the
// publish -> offer -> consign state machine in package protocol.
package contract

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"time"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/shardnet/shardd/identity"
)

// TypeTag is the pub/sub topic identifier contracts of this type are
// published on (spec.md §3, §4.5).
const TypeTag = "shardnet/storage-contract/v1"

// Role distinguishes which party is signing a Contract.
type Role string

// The two roles that may sign a Contract.
const (
	RoleRenter Role = "renter"
	RoleFarmer Role = "farmer"
)

var (
	// ErrAlreadyLocked is returned by a setter once both roles have
	// signed: spec.md §3 invariant, "once both roles have signed, the
	// two node-ID fields are immutable."
	ErrAlreadyLocked = errors.New("contract is locked: both roles have already signed")
	// ErrUnknownRole is returned for a Role value other than
	// RoleRenter/RoleFarmer.
	ErrUnknownRole = errors.New("unknown contract role")
	// ErrAlreadySigned is returned when Sign is called twice for the same
	// role.
	ErrAlreadySigned = errors.New("role has already signed this contract")
	// ErrNotSigned is returned when Verify is called for a role that has
	// not produced a signature yet.
	ErrNotSigned = errors.New("role has not signed this contract")
)

// Contract is the storage agreement negotiated between a renter and a
// farmer for a single shard (spec.md §3).
type Contract struct {
	RenterID           identity.NodeID
	FarmerID           identity.NodeID
	DataHash           [20]byte
	DataSize           uint64
	StoreBegin         time.Time
	StoreEnd           time.Time
	AuditCount         uint32
	PaymentDestination string

	RenterSignature identity.CompactSig
	FarmerSignature identity.CompactSig
	RenterSigned    bool
	FarmerSigned    bool
}

// TypeTag returns the pub/sub topic this Contract is published on.
func (c *Contract) TypeTag() string { return TypeTag }

// locked reports whether both roles have signed, past which the node-ID
// fields may never change again.
func (c *Contract) locked() bool { return c.RenterSigned && c.FarmerSigned }

// SetRenterID sets the renter's node id, refusing once the contract is
// locked.
func (c *Contract) SetRenterID(id identity.NodeID) error {
	if c.locked() {
		return ErrAlreadyLocked
	}
	c.RenterID = id
	return nil
}

// SetFarmerID sets the farmer's node id, refusing once the contract is
// locked.
func (c *Contract) SetFarmerID(id identity.NodeID) error {
	if c.locked() {
		return ErrAlreadyLocked
	}
	c.FarmerID = id
	return nil
}

// SetPaymentDestination sets the farmer's payout address.
func (c *Contract) SetPaymentDestination(addr string) {
	c.PaymentDestination = addr
}

// signingTarget returns the canonical byte string a role signs: every
// negotiated field except the two signatures themselves, so a signature
// from either party commits to the full economic terms and both node ids
// as currently set.
func (c *Contract) signingTarget() []byte {
	canon := Canonical{
		RenterID:           c.RenterID.String(),
		FarmerID:           c.FarmerID.String(),
		DataHash:           hex.EncodeToString(c.DataHash[:]),
		DataSize:           c.DataSize,
		StoreBegin:         c.StoreBegin.UnixMilli(),
		StoreEnd:           c.StoreEnd.UnixMilli(),
		AuditCount:         c.AuditCount,
		PaymentDestination: c.PaymentDestination,
	}
	b, _ := json.Marshal(canon)
	return b
}

// Sign signs the contract as role using kp, recording the signature. An
// attempt to sign twice for the same role is rejected rather than
// silently overwriting a prior signature.
func (c *Contract) Sign(role Role, kp *identity.KeyPair) error {
	sig, err := kp.Sign(c.signingTarget())
	if err != nil {
		return errors.AddContext(err, "unable to sign contract")
	}
	switch role {
	case RoleRenter:
		if c.RenterSigned {
			return ErrAlreadySigned
		}
		c.RenterSignature = sig
		c.RenterSigned = true
	case RoleFarmer:
		if c.FarmerSigned {
			return ErrAlreadySigned
		}
		c.FarmerSignature = sig
		c.FarmerSigned = true
	default:
		return ErrUnknownRole
	}
	return nil
}

// Verify checks that role's recorded signature was produced by
// expectedNodeID over the contract's current terms.
func (c *Contract) Verify(role Role, expectedNodeID identity.NodeID) (bool, error) {
	var sig identity.CompactSig
	switch role {
	case RoleRenter:
		if !c.RenterSigned {
			return false, ErrNotSigned
		}
		sig = c.RenterSignature
	case RoleFarmer:
		if !c.FarmerSigned {
			return false, ErrNotSigned
		}
		sig = c.FarmerSignature
	default:
		return false, ErrUnknownRole
	}
	return identity.Verify(c.signingTarget(), sig, expectedNodeID)
}

// Canonical is the wire/persistence form of a Contract: a flat, stable
// JSON object independent of Contract's internal Go representation
// (spec.md §3: "is convertible to/from a canonical object form").
type Canonical struct {
	RenterID           string `json:"renter_id"`
	FarmerID           string `json:"farmer_id"`
	DataHash           string `json:"data_hash"`
	DataSize           uint64 `json:"data_size"`
	StoreBegin         int64  `json:"store_begin"`
	StoreEnd           int64  `json:"store_end"`
	AuditCount         uint32 `json:"audit_count"`
	PaymentDestination string `json:"payment_destination"`

	RenterSignature string `json:"renter_signature,omitempty"`
	FarmerSignature string `json:"farmer_signature,omitempty"`
	RenterSigned    bool   `json:"renter_signed"`
	FarmerSigned    bool   `json:"farmer_signed"`
}

// ToCanonical converts the contract to its canonical object form.
func (c *Contract) ToCanonical() Canonical {
	canon := Canonical{
		RenterID:           c.RenterID.String(),
		FarmerID:           c.FarmerID.String(),
		DataHash:           hex.EncodeToString(c.DataHash[:]),
		DataSize:           c.DataSize,
		StoreBegin:         c.StoreBegin.UnixMilli(),
		StoreEnd:           c.StoreEnd.UnixMilli(),
		AuditCount:         c.AuditCount,
		PaymentDestination: c.PaymentDestination,
		RenterSigned:       c.RenterSigned,
		FarmerSigned:       c.FarmerSigned,
	}
	if c.RenterSigned {
		canon.RenterSignature = hex.EncodeToString(c.RenterSignature[:])
	}
	if c.FarmerSigned {
		canon.FarmerSignature = hex.EncodeToString(c.FarmerSignature[:])
	}
	return canon
}

// FromCanonical decodes a Contract from its canonical object form. Decode
// failures are expected on the wire (spec.md §4.5: "decode the contract;
// drop silently on decode failure") so callers should treat any non-nil
// error as a signal to drop the inbound message rather than a fatal
// condition.
func FromCanonical(canon Canonical) (*Contract, error) {
	c := &Contract{
		DataSize:           canon.DataSize,
		StoreBegin:         time.UnixMilli(canon.StoreBegin),
		StoreEnd:           time.UnixMilli(canon.StoreEnd),
		AuditCount:         canon.AuditCount,
		PaymentDestination: canon.PaymentDestination,
		RenterSigned:       canon.RenterSigned,
		FarmerSigned:       canon.FarmerSigned,
	}
	var err error
	if c.RenterID, err = identity.NodeIDFromString(canon.RenterID); err != nil && canon.RenterID != "" {
		return nil, errors.AddContext(err, "invalid renter_id")
	}
	if c.FarmerID, err = identity.NodeIDFromString(canon.FarmerID); err != nil && canon.FarmerID != "" {
		return nil, errors.AddContext(err, "invalid farmer_id")
	}
	dataHash, err := hexDecodeFixed(canon.DataHash, 20)
	if err != nil {
		return nil, errors.AddContext(err, "invalid data_hash")
	}
	copy(c.DataHash[:], dataHash)
	if canon.RenterSigned {
		sigBytes, err := hexDecodeFixed(canon.RenterSignature, identity.CompactSigLen)
		if err != nil {
			return nil, errors.AddContext(err, "invalid renter_signature")
		}
		c.RenterSignature, err = identity.CompactSigFromBytes(sigBytes)
		if err != nil {
			return nil, err
		}
	}
	if canon.FarmerSigned {
		sigBytes, err := hexDecodeFixed(canon.FarmerSignature, identity.CompactSigLen)
		if err != nil {
			return nil, errors.AddContext(err, "invalid farmer_signature")
		}
		c.FarmerSignature, err = identity.CompactSigFromBytes(sigBytes)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MarshalJSON/UnmarshalJSON let a Contract travel inside an RPC params or
// result object directly as its canonical form.
func (c *Contract) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.ToCanonical())
}

func (c *Contract) UnmarshalJSON(b []byte) error {
	var canon Canonical
	if err := json.Unmarshal(b, &canon); err != nil {
		return err
	}
	decoded, err := FromCanonical(canon)
	if err != nil {
		return err
	}
	*c = *decoded
	return nil
}

// hexDecodeFixed decodes s as hex and requires it to produce exactly
// expectLen bytes.
func hexDecodeFixed(s string, expectLen int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.AddContext(err, "invalid hex string")
	}
	if len(b) != expectLen {
		return nil, errors.New("unexpected hex length")
	}
	return b, nil
}

// Equal reports whether two canonical forms carry the same bytes; used in
// tests that round-trip a Contract through JSON.
func (canon Canonical) Equal(other Canonical) bool {
	a, _ := json.Marshal(canon)
	b, _ := json.Marshal(other)
	return bytes.Equal(a, b)
}
