// Package connector defines the contract every system-under-test backend
// implements, and a registry to select a backend by name.
package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/gateway-fm/chainbench/pkg/types"
)

// ErrNotEnoughIdentities is returned by PrepareWorkerArguments when the
// backend has fewer signing identities than requested workers.
var ErrNotEnoughIdentities = errors.New("not enough identities provisioned")

// WorkerArgs is the per-worker configuration produced by a connector, e.g.
// the signing key assigned to the worker. It is immutable once produced.
type WorkerArgs map[string]string

// Context is a worker's live session with the backend. It is created by
// GetContext, used by exactly one worker for one round and then released.
type Context interface {
	// Identity names the signer bound to this session.
	Identity() string
}

// Request is one call against the backend.
//
// A request either names a Target with Args, in which case the connector
// signs it and owns the nonce, or carries a Signed payload that is forwarded
// as is without any nonce bookkeeping.
type Request struct {
	Target string `json:"target,omitempty"`
	Args   []any  `json:"args,omitempty"`
	Signed string `json:"signed,omitempty"`
}

// PreSigned reports whether the request carries a signed payload.
func (r Request) PreSigned() bool {
	return r.Signed != ""
}

// Connector is the capability set of one backend.
//
// Implementations validate their configuration in their constructor, before
// any network activity.
type Connector interface {
	// Type is the backend name, e.g. "evm".
	Type() string

	// Init prepares the backend. It may be a no-op.
	Init(ctx context.Context) error

	// InstallSmartContract deploys the contracts the workloads call. It may
	// be a no-op.
	InstallSmartContract(ctx context.Context) error

	// PrepareWorkerArguments returns exactly n entries, deterministic for a
	// given configuration, or ErrNotEnoughIdentities.
	PrepareWorkerArguments(ctx context.Context, n int) ([]WorkerArgs, error)

	// GetContext opens a fresh session for one worker and seeds its nonce
	// from backend state.
	GetContext(ctx context.Context, roundIndex int, args WorkerArgs) (Context, error)

	// ReleaseContext tears the session down. Failures are logged, never
	// returned.
	ReleaseContext(ctx context.Context, c Context)

	// SendSingleRequest submits req and waits for its outcome. It never
	// fails: every error becomes a Failed outcome.
	//
	// The nonce is consumed only once req is known to be constructible and
	// is advanced by exactly one before the network round-trip. Pre-signed
	// requests leave the nonce untouched.
	SendSingleRequest(ctx context.Context, c Context, req Request) types.TxOutcome
}

// Signer is implemented by connectors that can sign requests ahead of time,
// producing pre-signed requests for transaction files. Signing consumes a
// nonce exactly like a send does.
//
// Files signed for one round are replayed only after all of them are
// written, so Sign continues from the last nonce it signed for an identity
// rather than from backend state. ResetSigning forgets those nonces; it is
// called before a round's files are signed.
type Signer interface {
	Sign(ctx context.Context, c Context, req Request) (Request, error)
	ResetSigning()
}

// Failed builds a failed outcome created at the current time.
func Failed(format string, args ...any) types.TxOutcome {
	o := types.NewTxOutcome()
	o.Fail(fmt.Sprintf(format, args...))
	return o
}

type reservedHookKey struct{}

// WithReservedHook returns a context carrying fn, which connectors call via
// MarkReserved once a request's nonce is reserved. Workers use it to start
// the next request while the previous one awaits inclusion.
func WithReservedHook(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, reservedHookKey{}, fn)
}

// MarkReserved invokes the hook installed by WithReservedHook, if any.
func MarkReserved(ctx context.Context) {
	if fn, ok := ctx.Value(reservedHookKey{}).(func()); ok && fn != nil {
		fn()
	}
}
