// Package identity implements component C1 of the node design: a secp256k1
// keypair wrapper that produces signatures over caller-supplied byte strings
// and derives the 20-byte node identifier from the associated public key.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"gitlab.com/NebulousLabs/errors"
	"golang.org/x/crypto/ripemd160"
)

// IDLen is the length in bytes of a NodeID: RIPEMD160(SHA256(pubkey)).
const IDLen = 20

// CompactSigLen is the length of a recoverable secp256k1 signature: 1-byte
// recovery header plus 32-byte r and 32-byte s.
const CompactSigLen = 65

// magicPrefix is the Bitcoin message-signing magic string. Using the same
// framing as the wider secp256k1-address ecosystem means a NodeID's
// signatures can be verified by any tool that understands
// "address <-> compact signature" without bespoke code.
const magicPrefix = "Bitcoin Signed Message:\n"

var (
	// ErrInvalidSigLen is returned when a CompactSig is built from the
	// wrong number of bytes.
	ErrInvalidSigLen = errors.New("signature has the wrong length for a compact secp256k1 signature")
)

// NodeID is the 20-byte identifier derived from a peer's public key.
type NodeID [IDLen]byte

// String hex-encodes the NodeID for wire and display use.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// NodeIDFromString parses a hex-encoded NodeID.
func NodeIDFromString(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, errors.AddContext(err, "invalid node id hex")
	}
	if len(b) != IDLen {
		return id, errors.New("invalid node id length")
	}
	copy(id[:], b)
	return id, nil
}

// CompactSig is a 65-byte recoverable secp256k1 signature, base64-encoded on
// the wire (see msgauth.Envelope).
type CompactSig [CompactSigLen]byte

// CompactSigFromBytes validates and wraps a raw compact signature.
func CompactSigFromBytes(b []byte) (CompactSig, error) {
	var sig CompactSig
	if len(b) != CompactSigLen {
		return sig, ErrInvalidSigLen
	}
	copy(sig[:], b)
	return sig, nil
}

// KeyPair wraps a secp256k1 private key and exposes the Identity operations
// required by the rest of the node: deriving the node's own ID, signing
// outbound bytes, and (as a package function) verifying bytes signed by any
// peer's key.
type KeyPair struct {
	priv *secp256k1.PrivateKey
}

// Generate creates a new random KeyPair.
func Generate() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, errors.AddContext(err, "unable to generate secp256k1 private key")
	}
	return &KeyPair{priv: priv}, nil
}

// FromPrivateKeyBytes loads a KeyPair from a 32-byte serialized private key,
// as persisted on disk by the node's keystore.
func FromPrivateKeyBytes(b []byte) (*KeyPair, error) {
	if len(b) != 32 {
		return nil, errors.New("private key must be 32 bytes")
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	return &KeyPair{priv: priv}, nil
}

// PrivateKeyBytes returns the raw 32-byte serialization of the private key,
// suitable for persistence in the node's keystore file.
func (kp *KeyPair) PrivateKeyBytes() []byte {
	return kp.priv.Serialize()
}

// PublicKeyCompressed returns the 33-byte compressed public key.
func (kp *KeyPair) PublicKeyCompressed() []byte {
	return kp.priv.PubKey().SerializeCompressed()
}

// NodeID derives this KeyPair's node identifier.
func (kp *KeyPair) NodeID() NodeID {
	return NodeIDFromPubKeyBytes(kp.priv.PubKey().SerializeCompressed())
}

// Address returns this KeyPair's payment destination: the hex form of its
// own NodeID. Economic settlement is out of scope (spec.md §1 Non-goals),
// so PaymentDestination is carried through contracts as an opaque
// identifier rather than a real on-chain address; reusing NodeID avoids
// inventing a second identifier namespace for a field nothing settles
// against.
func (kp *KeyPair) Address() string {
	return kp.NodeID().String()
}

// Sign signs msg using the Bitcoin magic-hash construction and returns a
// compact, publicly-recoverable signature.
func (kp *KeyPair) Sign(msg []byte) (CompactSig, error) {
	h := magicHash(msg)
	raw := ecdsa.SignCompact(kp.priv, h, true)
	return CompactSigFromBytes(raw)
}

// Verify recovers the public key embedded in sig and reports whether the
// derived node ID matches expected. It is a package function (rather than a
// KeyPair method) because verification never requires the local private
// key: any peer's signature can be checked against any claimed NodeID.
func Verify(msg []byte, sig CompactSig, expected NodeID) (bool, error) {
	h := magicHash(msg)
	pk, _, err := ecdsa.RecoverCompact(sig[:], h)
	if err != nil {
		return false, errors.AddContext(err, "unable to recover public key from signature")
	}
	recovered := NodeIDFromPubKeyBytes(pk.SerializeCompressed())
	return recovered == expected, nil
}

// RecoverNodeID recovers the NodeID bound to sig without comparing it to an
// expected value. Used by the inbound verification hook, which must learn
// the sender's claimed identity from the signature itself before deciding
// whether to populate the pubkey cache.
func RecoverNodeID(msg []byte, sig CompactSig) (NodeID, error) {
	id, _, err := RecoverPubKey(msg, sig)
	return id, err
}

// RecoverPubKey recovers both the NodeID and the raw compressed public key
// bound to sig. The pubkey is what the message-auth layer caches in
// ContactBook on a successful verification (see msgauth.Verify).
func RecoverPubKey(msg []byte, sig CompactSig) (NodeID, []byte, error) {
	h := magicHash(msg)
	pk, _, err := ecdsa.RecoverCompact(sig[:], h)
	if err != nil {
		return NodeID{}, nil, errors.AddContext(err, "unable to recover public key from signature")
	}
	compressed := pk.SerializeCompressed()
	return NodeIDFromPubKeyBytes(compressed), compressed, nil
}

// NodeIDFromPubKeyBytes derives a NodeID from a compressed public key.
func NodeIDFromPubKeyBytes(compressedPubKey []byte) NodeID {
	shaSum := sha256.Sum256(compressedPubKey)
	r := ripemd160.New()
	r.Write(shaSum[:])
	var id NodeID
	copy(id[:], r.Sum(nil))
	return id
}

// magicHash reproduces Bitcoin's "personal message" hash: double-SHA256 of
// a length-prefixed, magic-framed string. varString encodes both the magic
// prefix and the payload with a Bitcoin-style compact size prefix.
func magicHash(msg []byte) []byte {
	buf := new(bytes.Buffer)
	writeVarString(buf, []byte(magicPrefix))
	writeVarString(buf, msg)
	first := sha256.Sum256(buf.Bytes())
	second := sha256.Sum256(first[:])
	return second[:]
}

// writeVarString writes b prefixed with its length as a Bitcoin CompactSize
// integer. Messages of 253 bytes or more (such as a contract's JSON signing
// target) take the 3-byte 0xfd prefix, as in the ecosystem format.
func writeVarString(buf *bytes.Buffer, b []byte) {
	n := len(b)
	switch {
	case n < 0xfd:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(0xfd)
		buf.WriteByte(byte(n))
		buf.WriteByte(byte(n >> 8))
	default:
		buf.WriteByte(0xfe)
		buf.WriteByte(byte(n))
		buf.WriteByte(byte(n >> 8))
		buf.WriteByte(byte(n >> 16))
		buf.WriteByte(byte(n >> 24))
	}
	buf.Write(b)
}
