// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wfree

import "code.hybscloud.com/iox"

// ErrWouldBlock indicates an operation cannot proceed immediately. No
// structure in this package returns it (the ring's full-advance contention
// and migrations are retried internally); it is provided for callers that
// layer blocking or bounded semantics on top. It is a control-flow signal,
// not a failure: the caller should retry, not abort.
//
// This is an alias for [iox.ErrWouldBlock] for ecosystem consistency.
var ErrWouldBlock = iox.ErrWouldBlock

// ErrNotFound is returned by every operation spec.md classifies as
// "not-found": Dequeue/Pop/Peek/Top on an empty structure (HashTable.Get
// reports a missing key with a false bool instead). Like
// ErrWouldBlock it is a control-flow signal the caller is expected to
// handle inline, never an error to propagate.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "wfree: not found" }

// IsWouldBlock reports whether err indicates the operation would block.
// Delegates to [iox.IsWouldBlock] for wrapped error support.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// IsNotFound reports whether err is [ErrNotFound].
func IsNotFound(err error) bool {
	return err == ErrNotFound
}

// IsSemantic reports whether err is a control-flow signal rather than a
// failure: true for ErrWouldBlock or ErrNotFound.
func IsSemantic(err error) bool {
	return iox.IsSemantic(err) || IsNotFound(err)
}

// IsNonFailure reports whether err represents a non-failure condition:
// nil, ErrWouldBlock, or ErrNotFound.
func IsNonFailure(err error) bool {
	return err == nil || iox.IsNonFailure(err) || IsNotFound(err)
}
