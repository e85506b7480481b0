// Package rpcerr collects the error kinds spec.md §7 lists as propagated
// to callers, shared by package transport, protocol, and node so a caller
// anywhere in the stack can use errors.Contains against one stable
// sentinel regardless of which layer raised it.
package rpcerr

import "gitlab.com/NebulousLabs/errors"

var (
	// ErrAlreadyOpen is returned by Node.Join when called more than once.
	ErrAlreadyOpen = errors.New("node is already open")
	// ErrNotOpen is returned by any operation attempted before Join or
	// after Leave.
	ErrNotOpen = errors.New("node is not open")
	// ErrTransport covers socket/HTTP-level failures, logged and
	// surfaced to the caller of the outer operation.
	ErrTransport = errors.New("transport error")
	// ErrPeerNotFound is returned when an overlay lookup cannot resolve
	// a node id to a reachable contact.
	ErrPeerNotFound = errors.New("peer not found")
	// ErrChallengesExhausted is returned by AuditCoordinator when a
	// farmer's remaining challenge list is empty.
	ErrChallengesExhausted = errors.New("challenges exhausted")
	// ErrContractRejected is returned when a counterparty's countersigned
	// contract fails to verify, or a farmer declines to offer.
	ErrContractRejected = errors.New("contract rejected")
	// ErrBadResponse covers a malformed or missing result on an RPC that
	// otherwise completed (e.g. a CONSIGN response with no token).
	ErrBadResponse = errors.New("bad rpc response")
	// ErrStorageError covers a StorageBackend failure: an unloaded
	// StorageItem, a bolt error, a filesystem error persisting an item.
	ErrStorageError = errors.New("storage backend error")
)
