// Package msgauth implements component C2: the two hooks that run on every
// RPC. Outbound calls are signed with Sign; inbound calls are checked with
// Verify, which enforces nonce freshness and binds the recovered public key
// to the sender's claimed NodeID.
package msgauth

import (
	"encoding/base64"
	"strconv"
	"sync"
	"time"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/shardnet/shardd/identity"
)

// NonceExpire bounds how old an incoming nonce may be before the message is
// dropped as stale (spec constant, default 15s).
const NonceExpire = 15 * time.Second

var (
	// ErrNonceExpired is returned when now - nonce >= NonceExpire.
	ErrNonceExpired = errors.New("nonce expired")
	// ErrSignatureInvalid is returned when the envelope's signature does
	// not decode or does not recover to any usable public key.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrNodeIDMismatch is returned when the recovered public key's
	// derived node id does not equal the sender's claimed node id.
	ErrNodeIDMismatch = errors.New("recovered node id does not match the sending contact")
)

// Envelope is the reserved __nonce/__signature pair embedded into a
// request's params or a response's result, per spec.md §6.
type Envelope struct {
	Nonce     uint64 `json:"__nonce"`
	Signature string `json:"__signature"`
}

// Target reconstructs the exact byte string that is signed: msg.id
// concatenated with the decimal nonce. Requests and responses are signed
// identically and symmetrically, so both the sign and verify hooks call
// this same helper with the message's id.
func Target(msgID string, nonce uint64) []byte {
	return []byte(msgID + strconv.FormatUint(nonce, 10))
}

// Sign produces a fresh envelope for an outbound message, using the
// current time as the nonce source.
func Sign(kp *identity.KeyPair, msgID string, now time.Time) (Envelope, error) {
	nonce := uint64(now.UnixMilli())
	sig, err := kp.Sign(Target(msgID, nonce))
	if err != nil {
		return Envelope{}, errors.AddContext(err, "unable to sign outbound message")
	}
	return Envelope{
		Nonce:     nonce,
		Signature: base64.StdEncoding.EncodeToString(sig[:]),
	}, nil
}

// VerifyResult is returned by Verify on success: the sender's recovered
// compressed public key, ready to be cached by ContactBook.
type VerifyResult struct {
	NodeID          identity.NodeID
	CompressedPubKey []byte
}

// Verify enforces nonce freshness, recovers the signer's public key from
// env.Signature, and checks that its derived node id equals expected. It
// never returns an error describing *why* an authentication check failed
// over the wire (spec.md §7: authentication failures are dropped silently
// on the inbound path), but callers get a typed error to log locally and a
// bool-shaped truth via the error sentinels above.
func Verify(env Envelope, msgID string, expected identity.NodeID, now time.Time) (VerifyResult, error) {
	nonceTime := time.UnixMilli(int64(env.Nonce))
	if now.Sub(nonceTime) >= NonceExpire {
		return VerifyResult{}, ErrNonceExpired
	}
	// A nonce from the future (clock skew aside) is equally suspect; the
	// source protocol does not special-case this, but rejecting it costs
	// nothing and keeps the freshness window symmetric.
	if nonceTime.After(now.Add(NonceExpire)) {
		return VerifyResult{}, ErrNonceExpired
	}

	sigBytes, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return VerifyResult{}, errors.Extend(err, ErrSignatureInvalid)
	}
	sig, err := identity.CompactSigFromBytes(sigBytes)
	if err != nil {
		return VerifyResult{}, errors.Extend(err, ErrSignatureInvalid)
	}

	target := Target(msgID, env.Nonce)
	recoveredID, pubKey, err := identity.RecoverPubKey(target, sig)
	if err != nil {
		return VerifyResult{}, errors.Extend(err, ErrSignatureInvalid)
	}
	if recoveredID != expected {
		return VerifyResult{}, ErrNodeIDMismatch
	}
	return VerifyResult{NodeID: recoveredID, CompressedPubKey: pubKey}, nil
}

// ErrReplayed is returned by ReplayGuard.Allow when a nonce is not strictly
// greater than the highest one already seen from that sender.
var ErrReplayed = errors.New("nonce is not greater than the last one seen from this sender")

// ReplayGuard tracks the highest nonce seen per sender node ID, closing the
// replay-within-window gap spec.md §9 notes ("nothing prevents a replay of
// the same signed request within the freshness window"). It is opt-in
// (StrictReplay config flag) since it requires senders' clocks to produce a
// monotonically increasing millisecond nonce, which NonceExpire alone does
// not assume.
type ReplayGuard struct {
	mu   sync.Mutex
	seen map[identity.NodeID]uint64
}

// NewReplayGuard returns an empty ReplayGuard.
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{seen: make(map[identity.NodeID]uint64)}
}

// Allow reports whether nonce is strictly greater than the highest nonce
// previously recorded for id, and if so records it as the new high
// watermark. It must only be called after Verify has already authenticated
// the envelope the nonce came from.
func (g *ReplayGuard) Allow(id identity.NodeID, nonce uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if nonce <= g.seen[id] {
		return false
	}
	g.seen[id] = nonce
	return true
}
