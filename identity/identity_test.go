package identity

import "testing"

// TestSignVerify checks the S1 happy path: a message signed by a KeyPair
// verifies against that KeyPair's own NodeID, and fails against any other.
func TestSignVerify(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	other, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("abc1700000000000")
	sig, err := kp.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := Verify(msg, sig, kp.NodeID())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("signature did not verify against its own node id")
	}

	ok, err = Verify(msg, sig, other.NodeID())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("signature verified against an unrelated node id")
	}
}

// TestRecoverNodeID confirms the recovered node ID is deterministic and
// matches the signer's own NodeID (invariant 2: node-ID binding).
func TestRecoverNodeID(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("xyz1700000000001")
	sig, err := kp.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	id, err := RecoverNodeID(msg, sig)
	if err != nil {
		t.Fatal(err)
	}
	if id != kp.NodeID() {
		t.Fatalf("recovered node id %v does not match signer %v", id, kp.NodeID())
	}
}

// TestPrivateKeyRoundTrip checks persistence round-trip of the raw key.
func TestPrivateKeyRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	b := kp.PrivateKeyBytes()
	kp2, err := FromPrivateKeyBytes(b)
	if err != nil {
		t.Fatal(err)
	}
	if kp.NodeID() != kp2.NodeID() {
		t.Fatal("node id changed across private key round trip")
	}
}

func TestNodeIDStringRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	id := kp.NodeID()
	parsed, err := NodeIDFromString(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != id {
		t.Fatal("node id string round trip mismatch")
	}
}
