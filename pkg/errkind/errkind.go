// Package errkind names the failure categories the engine reports as
// sentinel errors, so callers classify failures with errors.Is rather
// than a bespoke typed-exception hierarchy.
package errkind

import "errors"

var (
	// NotFound: missing doc-id / path / peer.
	NotFound = errors.New("not-found")

	// IO: disk or DB failure. Callers mid-transaction must roll back.
	IO = errors.New("io")

	// DecryptFailed: AAD or key mismatch on an envelope. The entry is
	// dropped and the version vector is not advanced for it.
	DecryptFailed = errors.New("decrypt-failed")

	// InvalidArgument: malformed path, rename cycle, or a write attempted
	// against a readonly session.
	InvalidArgument = errors.New("invalid-argument")

	// VersionGap: incoming seq skips the originator's expected next
	// value. Callers should request retransmission and buffer what they
	// have.
	VersionGap = errors.New("version-gap")

	// Conflict: merge detected non-mergeable divergence. Callers return
	// a three-way payload instead of auto-applying.
	Conflict = errors.New("conflict")

	// Denied: operation disallowed by session policy (EditRejected /
	// KeyDenied).
	Denied = errors.New("denied")
)

// Wrap annotates err with msg while preserving errors.Is(err, kind).
func Wrap(kind error, msg string, cause error) error {
	if cause == nil {
		return &wrapped{kind: kind, msg: msg}
	}
	return &wrapped{kind: kind, msg: msg, cause: cause}
}

type wrapped struct {
	kind  error
	msg   string
	cause error
}

func (w *wrapped) Error() string {
	if w.cause == nil {
		return w.msg
	}
	return w.msg + ": " + w.cause.Error()
}

func (w *wrapped) Unwrap() []error {
	if w.cause == nil {
		return []error{w.kind}
	}
	return []error{w.kind, w.cause}
}
