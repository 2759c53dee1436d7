package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/caisq/debugflow/graph"
	"github.com/caisq/debugflow/internal/kernels"
	"github.com/caisq/debugflow/types/tensors"
)

// execution holds the state of one Run: the pruned set of nodes to execute,
// their dependency counts and their computed values.
type execution struct {
	sess  *Session
	feeds map[string]*tensors.Tensor

	// order is the session's topological order filtered to the nodes this run
	// needs: the nodes reachable backwards from the fetches and targets,
	// stopping at fed nodes.
	order  []*graph.Node
	needed map[graph.NodeId]bool

	// pending counts the not-yet-computed inputs per needed node; dependents
	// is the reverse adjacency, one entry per input occurrence.
	pending    map[graph.NodeId]int
	dependents map[graph.NodeId][]*graph.Node

	// placed is the session's placement, snapshotted at Run start so a
	// concurrent Extend cannot race the workers.
	placed map[graph.NodeId]*Device

	// mu guards results, written by device workers and read for input
	// gathering and fetching.
	mu      sync.Mutex
	results map[graph.NodeId]*tensors.Tensor
}

// nodeDone is the completion record a device worker reports back to the
// dispatcher.
type nodeDone struct {
	node *graph.Node
}

func newExecution(s *Session, order []*graph.Node, placed map[graph.NodeId]*Device,
	feeds map[string]*tensors.Tensor, fetchNodes, targetNodes []*graph.Node) (*execution, error) {
	exec := &execution{
		sess:       s,
		feeds:      feeds,
		placed:     placed,
		needed:     make(map[graph.NodeId]bool),
		pending:    make(map[graph.NodeId]int),
		dependents: make(map[graph.NodeId][]*graph.Node),
		results:    make(map[graph.NodeId]*tensors.Tensor),
	}
	var visit func(node *graph.Node)
	visit = func(node *graph.Node) {
		if exec.needed[node.Id()] {
			return
		}
		exec.needed[node.Id()] = true
		if _, fed := feeds[node.Name()]; fed {
			// The fed value replaces the node's computation, so its inputs
			// are not needed (unless someone else needs them).
			return
		}
		for _, input := range node.Inputs() {
			visit(input)
			exec.dependents[input.Id()] = append(exec.dependents[input.Id()], node)
			exec.pending[node.Id()]++
		}
	}
	for _, node := range fetchNodes {
		visit(node)
	}
	for _, node := range targetNodes {
		visit(node)
	}
	for _, node := range order {
		if !exec.needed[node.Id()] {
			continue
		}
		if node.Op() == graph.OpPlaceholder {
			if _, fed := feeds[node.Name()]; !fed {
				return nil, errors.Errorf("session %s: placeholder %q requires a fed value", s.id, node.Name())
			}
		}
		exec.order = append(exec.order, node)
	}
	return exec, nil
}

// execute runs the needed nodes to completion. With an active step gate (a
// DebugRound is attached) execution is serialized in topological order;
// otherwise nodes run concurrently across the session's devices.
func (exec *execution) execute() error {
	// The gate is consumed by the first Run after a DebugRound attaches: the
	// round's own gated Run, since rounds hold the session until they finish.
	exec.sess.debugMu.Lock()
	gate := exec.sess.gate
	exec.sess.gate = nil
	exec.sess.debugMu.Unlock()
	if gate != nil {
		return exec.executeGated(gate)
	}
	return exec.executeParallel()
}

// executeParallel runs one worker goroutine per device. The dispatcher
// (calling goroutine) tracks dependency resolution and hands nodes to the
// queue of the device they are placed on. All channels are buffered to the
// number of nodes, so neither side ever blocks the other.
func (exec *execution) executeParallel() error {
	s := exec.sess
	numNodes := len(exec.order)
	queues := make(map[string]chan *graph.Node, len(s.devices))
	for _, device := range s.devices {
		queues[device.Name] = make(chan *graph.Node, numNodes)
	}
	completed := make(chan nodeDone, numNodes)

	eg, ctx := errgroup.WithContext(context.Background())
	for _, device := range s.devices {
		queue := queues[device.Name]
		eg.Go(func() error {
			for {
				select {
				case node, ok := <-queue:
					if !ok {
						return nil
					}
					result, err := exec.runNode(node)
					if err != nil {
						return err
					}
					exec.setResult(node, result)
					exec.notify(node, result)
					completed <- nodeDone{node: node}
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}

	for _, node := range exec.order {
		if exec.pending[node.Id()] == 0 {
			queues[exec.placed[node.Id()].Name] <- node
		}
	}

	remaining := numNodes
dispatch:
	for remaining > 0 {
		select {
		case done := <-completed:
			remaining--
			for _, dependent := range exec.dependents[done.node.Id()] {
				exec.pending[dependent.Id()]--
				if exec.pending[dependent.Id()] == 0 {
					queues[exec.placed[dependent.Id()].Name] <- dependent
				}
			}
		case <-ctx.Done():
			break dispatch
		}
	}
	for _, queue := range queues {
		close(queue)
	}
	err := eg.Wait()
	if err != nil {
		return errors.Wrapf(err, "session %s: Run", s.id)
	}
	return nil
}

// executeGated runs the needed nodes sequentially in topological order, asking
// the gate for a permit before each node. Used while a DebugRound is attached.
func (exec *execution) executeGated(gate *stepGate) error {
	s := exec.sess
	for _, node := range exec.order {
		gate.waitPermit()
		result, err := exec.runNode(node)
		if err != nil {
			return errors.Wrapf(err, "session %s: Run", s.id)
		}
		exec.setResult(node, result)
		exec.notify(node, result)
		gate.nodeCompleted(node.Name())
	}
	return nil
}

// runNode resolves the value of one node: its fed value, its build-time
// payload, the session variable state, or its registered kernel applied to the
// input values.
func (exec *execution) runNode(node *graph.Node) (*tensors.Tensor, error) {
	s := exec.sess
	if klog.V(2).Enabled() {
		klog.Infof("session %s: running node %q (%s) on %s", s.id, node.Name(), node.Op(), exec.placed[node.Id()])
	}
	if fed, ok := exec.feeds[node.Name()]; ok {
		return fed, nil
	}
	switch node.Op() {
	case graph.OpConst:
		return node.Value(), nil
	case graph.OpPlaceholder:
		return nil, errors.Errorf("placeholder %q requires a fed value", node.Name())
	case graph.OpVariable:
		value, ok := s.variables.Load(node.Name())
		if !ok {
			return nil, errors.Errorf("variable %q has no state", node.Name())
		}
		return value, nil
	case graph.OpAssign:
		variable := node.Inputs()[0]
		updated := exec.result(node.Inputs()[1]).Clone()
		s.variables.Store(variable.Name(), updated)
		return updated, nil
	}
	kernel, found := kernels.Lookup(node.Op())
	if !found {
		// Checked at Create time, only reachable on a registry bug.
		return nil, errors.Errorf("no kernel for op %s of node %q", node.Op(), node.Name())
	}
	inputs := make([]*tensors.Tensor, len(node.Inputs()))
	for ii, input := range node.Inputs() {
		inputs[ii] = exec.result(input)
	}
	output, err := kernel(node, inputs)
	if err != nil {
		return nil, errors.Wrapf(err, "computing node %q", node.Name())
	}
	return output, nil
}

// notify invokes the debug callbacks for a completed node. Value callbacks get
// a snapshot of session-owned tensors (reference-typed outputs and Const
// payloads), so the recipient can neither race a later Assign nor corrupt the
// graph's constants.
func (exec *execution) notify(node *graph.Node, result *tensors.Tensor) {
	s := exec.sess
	s.debugMu.Lock()
	completionCallback := s.completionCallback
	valueCallback := s.valueCallback
	s.debugMu.Unlock()
	isRef := node.OutputIsRef()
	if completionCallback != nil {
		completionCallback(node.Name(), time.Now(), isRef)
	}
	if valueCallback != nil {
		value := result
		if isRef || node.Op() == graph.OpConst {
			value = result.Clone()
		}
		valueCallback(node.Name(), value, isRef)
	}
}

func (exec *execution) setResult(node *graph.Node, result *tensors.Tensor) {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	exec.results[node.Id()] = result
}

func (exec *execution) result(node *graph.Node) *tensors.Tensor {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	return exec.results[node.Id()]
}

// fetched returns the run's value of a fetched node. Build-time payloads and
// reference-typed outputs are cloned, so callers own every returned tensor.
func (exec *execution) fetched(node *graph.Node) *tensors.Tensor {
	result := exec.result(node)
	if node.Op() == graph.OpConst || node.OutputIsRef() {
		return result.Clone()
	}
	return result
}
