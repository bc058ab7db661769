package engine

import "errors"

// ErrSchedulerAssertion reports a window slot/layer mismatch detected by
// Window.Sync — a scheduling bug, never a caller error.
var ErrSchedulerAssertion = errors.New("engine: scheduler assertion failed")

// ErrEngineBusy is returned by Decode when a prior call on the same
// Engine has not yet returned; at most one Decode may be in flight per
// Engine (spec.md §5: the window's cursor and slot state are borrowed
// exclusively for the call's duration).
var ErrEngineBusy = errors.New("engine: busy with a concurrent decode call")
