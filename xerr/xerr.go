// Package xerr defines the typed error kinds shared by every subsystem of
// the node, so that a caller can distinguish "not found" from "timed out"
// from "store broken" with errors.Is instead of string matching.
package xerr

import "errors"

// Sentinel kinds. Wrap these with fmt.Errorf("...: %w", Kind) to add
// context without losing the kind for errors.Is checks.
var (
	// NotFound: a file is absent from the store, or an index file is
	// missing for a hash that a store symlink points to.
	NotFound = errors.New("not found")

	// InvalidData: hash mismatch between a store symlink and its index
	// target, or a wire message failed to decode.
	InvalidData = errors.New("invalid data")

	// TimedOut: an outbound request exceeded its deadline.
	TimedOut = errors.New("timed out")

	// ConnectionAborted: the peer closed the connection mid-exchange.
	ConnectionAborted = errors.New("connection aborted")

	// AlreadyExists: an atomic-rename or symlink race landed on content
	// that's already there. Treated as success by callers.
	AlreadyExists = errors.New("already exists")

	// Other: dial failure, unsupported protocol, or generic I/O error.
	Other = errors.New("other")

	// StoreBroken: a store_dir entry's target is not a regular file, or
	// its basename doesn't match the hash of its content. Fatal to the
	// affected operation; no auto-repair.
	StoreBroken = errors.New("store broken")
)

// Wrap extends kind with a message, preserving it for errors.Is(err, kind).
func Wrap(kind error, msg string) error {
	return &wrapped{kind: kind, msg: msg}
}

// Wrapf is Wrap with an underlying cause appended to the message.
func Wrapf(kind error, msg string, cause error) error {
	if cause == nil {
		return Wrap(kind, msg)
	}
	return &wrapped{kind: kind, msg: msg + ": " + cause.Error(), cause: cause}
}

type wrapped struct {
	kind  error
	msg   string
	cause error
}

func (w *wrapped) Error() string { return w.msg }

// Unwrap exposes the sentinel kind so errors.Is(err, xerr.NotFound) (etc.)
// works without string matching.
func (w *wrapped) Unwrap() error { return w.kind }

// Cause returns the original error that triggered this one, if any.
func (w *wrapped) Cause() error { return w.cause }
