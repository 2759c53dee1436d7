package session

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/caisq/debugflow/types/tensors"
	"github.com/caisq/debugflow/types/xsync"
)

// stepGate serializes a gated Run: the executor asks for a permit before each
// node and reports each completion. Releasing the gate lets the run finish
// ungated.
type stepGate struct {
	permits     chan struct{}
	completions chan string
	releaseOnce sync.Once
}

func newStepGate(numNodes int) *stepGate {
	return &stepGate{
		permits: make(chan struct{}),
		// Buffered to the node count so an ungated run never blocks reporting.
		completions: make(chan string, numNodes),
	}
}

// waitPermit blocks until the controller grants the next node, or returns
// immediately once the gate has been released.
func (g *stepGate) waitPermit() {
	<-g.permits
}

func (g *stepGate) nodeCompleted(name string) {
	g.completions <- name
}

// release lets the gated run proceed ungated to the end.
func (g *stepGate) release() {
	g.releaseOnce.Do(func() { close(g.permits) })
}

// DebugRound is a step-debugging controller over one Run of a DebugSession.
//
// While a round is active, the session executes the run's nodes one at a time
// in topological order, advancing only as the controller allows: Step lets a
// given number of nodes complete, Cont runs until a named node completes, and
// Join waits for the run to finish and returns its outputs.
//
// Creating a round completes the first node, so NodeOrder()[Where()] is the
// most recently completed node (unless the run failed before any node
// completed, which Where reports as -1). A DebugRound is a single-goroutine
// controller: its methods must not be called concurrently, and the session
// must not serve other Run calls until the round finishes.
type DebugRound struct {
	sess *DebugSession
	gate *stepGate

	order    []string
	where    int
	complete bool

	finished *xsync.Latch
	outputs  []*tensors.Tensor
	err      error
}

// NewDebugRound starts a gated run of the given fetches and targets on a
// debug session, and lets its first node complete.
func NewDebugRound(ds *DebugSession, inputs []NamedTensor, fetches []string, targets []string) (*DebugRound, error) {
	// Resolve the same pruned execution order the run will use, so the
	// controller can report it before any node executes. The execution itself
	// is a throwaway: the run builds its own.
	exec, _, err := ds.newRunExecution(inputs, fetches, targets)
	if err != nil {
		return nil, err
	}
	nodeOrder := make([]string, 0, len(exec.order))
	for _, node := range exec.order {
		nodeOrder = append(nodeOrder, node.Name())
	}
	if len(nodeOrder) == 0 {
		return nil, errors.Errorf("session %s: debug round has no nodes to execute", ds.id)
	}

	r := &DebugRound{
		sess:     ds,
		gate:     newStepGate(len(nodeOrder)),
		order:    nodeOrder,
		where:    -1,
		finished: xsync.NewLatch(),
	}
	ds.debugMu.Lock()
	if ds.roundActive {
		ds.debugMu.Unlock()
		return nil, errors.Errorf("session %s: another debug round is already active", ds.id)
	}
	ds.roundActive = true
	ds.gate = r.gate
	ds.debugMu.Unlock()

	go func() {
		outputs, err := ds.Run(inputs, fetches, targets)
		r.outputs = outputs
		r.err = err
		r.finished.Trigger()
	}()

	// Mirror the session's debugger behavior: the round breaks after the
	// first node completes.
	r.Step(1)
	return r, nil
}

// NodeOrder returns the names of the nodes this round executes, in the order
// they will complete.
func (r *DebugRound) NodeOrder() []string { return r.order }

// Where returns the index into NodeOrder of the most recently completed node:
// 0 right after a successful NewDebugRound, and -1 if the round's run failed
// before any node completed.
func (r *DebugRound) Where() int { return r.where }

// IsComplete reports whether the last node of the round has completed.
func (r *DebugRound) IsComplete() bool { return r.complete }

// Step lets up to numSteps more nodes complete, blocking until they have. It
// returns the number of nodes that completed, which is less than numSteps when
// the round reaches the end (or the run fails) first.
func (r *DebugRound) Step(numSteps int) int {
	completed := 0
	for ; completed < numSteps && !r.complete; completed++ {
		select {
		case r.gate.permits <- struct{}{}:
		case <-r.finished.WaitChan():
			// The run ended without consuming the permit: a setup error.
			r.complete = true
			r.detach()
			return completed
		}
		select {
		case <-r.gate.completions:
			r.where++
			if r.where == len(r.order)-1 {
				r.complete = true
				completed++
				return completed
			}
		case <-r.finished.WaitChan():
			// The run finishing can race the last node's completion report:
			// drain it before deciding the run failed mid-node.
			select {
			case <-r.gate.completions:
				r.where++
				completed++
			default:
			}
			r.complete = true
			r.detach()
			return completed
		}
	}
	return completed
}

// detach marks the round as no longer active, and removes its gate from the
// session if the run never consumed it, so a failed round does not gate the
// session's next Run.
func (r *DebugRound) detach() {
	r.sess.debugMu.Lock()
	if r.sess.gate == r.gate {
		r.sess.gate = nil
	}
	r.sess.roundActive = false
	r.sess.debugMu.Unlock()
	r.gate.release()
}

// Cont lets the run continue until the named node completes (or the round
// ends). With nodeName == "" it continues to the end of the round.
func (r *DebugRound) Cont(nodeName string) {
	for !r.complete {
		if r.Step(1) == 0 {
			return
		}
		if nodeName != "" && r.order[r.where] == nodeName {
			return
		}
	}
}

// Join releases the round, waits for the run to finish and returns the fetched
// outputs and the run's error.
func (r *DebugRound) Join() ([]*tensors.Tensor, error) {
	r.complete = true
	r.gate.release()
	r.finished.Wait()
	r.detach()
	if r.err == nil {
		r.where = len(r.order) - 1
	}
	return r.outputs, r.err
}
