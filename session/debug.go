package session

import (
	"time"

	"github.com/pkg/errors"

	"github.com/caisq/debugflow/types/tensors"
)

// NodeCompletionCallback is invoked once per executed node, with the node's
// name, its completion timestamp and whether its output is reference-typed.
//
// Callbacks may be invoked concurrently from multiple device workers: the
// recipient must synchronize any shared recording structures.
type NodeCompletionCallback func(nodeName string, completionTime time.Time, outputIsRef bool)

// NodeValueCallback is invoked once per executed node with the node's computed
// tensor, under the same concurrency conditions as NodeCompletionCallback.
// For reference-typed outputs the tensor is a snapshot of the referenced state.
type NodeValueCallback func(nodeName string, value *tensors.Tensor, outputIsRef bool)

// DebugSession is a Session with per-node instrumentation: completion and
// intermediate-value callbacks, and step-debugging through DebugRound.
//
// All Session methods are available unchanged; callbacks observe every node
// executed by every Run of the session.
type DebugSession struct {
	*Session
}

// NewDebug creates a debug-instrumented session. opts.Target defaults to
// TargetDebug and must not name any other target.
func NewDebug(opts Options) (*DebugSession, error) {
	if opts.Target == "" {
		opts.Target = TargetDebug
	}
	if opts.Target != TargetDebug {
		return nil, errors.Errorf("NewDebug requires target %q, got %q", TargetDebug, opts.Target)
	}
	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	return &DebugSession{Session: s}, nil
}

// SetNodeCompletionCallback registers the completion-notification hook.
// Passing nil removes it.
func (ds *DebugSession) SetNodeCompletionCallback(callback NodeCompletionCallback) {
	ds.debugMu.Lock()
	defer ds.debugMu.Unlock()
	ds.completionCallback = callback
}

// SetNodeValueCallback registers the value-notification hook.
// Passing nil removes it.
func (ds *DebugSession) SetNodeValueCallback(callback NodeValueCallback) {
	ds.debugMu.Lock()
	defer ds.debugMu.Unlock()
	ds.valueCallback = callback
}
