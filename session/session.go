// Package session implements the execution of dataflow graphs over a set of
// simulated devices.
//
// A Session is a stateful execution context bound to one graph. It is created
// from Options (target and per-device-type counts), bound to a graph with
// Create (taking the graph's serialized GraphDef), and then accepts Run
// requests: a list of (name, tensor) input pairs that feed node outputs, a
// list of "name:outputIndex" fetch specifiers whose values are returned, and a
// list of target node names executed without fetching.
//
// Nodes run concurrently: one worker goroutine per simulated device, with
// nodes dispatched as their data dependencies resolve. Run is synchronous and
// returns after all fetches and targets have completed.
//
// A session created with the "debug" target is a DebugSession, which
// additionally reports per-node completion and intermediate values through
// callbacks. See DebugSession and DebugRound.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/caisq/debugflow/graph"
	"github.com/caisq/debugflow/internal/kernels"
	"github.com/caisq/debugflow/types/tensors"
	"github.com/caisq/debugflow/types/xsync"
)

// TargetDebug is the Options.Target value that makes New return a
// debug-instrumented session.
const TargetDebug = "debug"

// Options configures a new Session.
type Options struct {
	// Target selects the session flavor. "" or "local" is a plain session;
	// TargetDebug ("debug") enables per-node instrumentation.
	Target string

	// DeviceCount maps a device type (e.g. "CPU") to the number of simulated
	// devices of that type. Defaults to {"CPU": 1}.
	DeviceCount map[string]int
}

// NamedTensor is one Run input pair: the tensor feeds the output of the named
// node.
type NamedTensor struct {
	Name   string
	Tensor *tensors.Tensor
}

// Session is a stateful execution context bound to a graph.
//
// Create binds the graph, Run executes it, and Close releases the session
// state. Runs are serialized: concurrent Run calls execute one after another.
type Session struct {
	id      string
	opts    Options
	devices []*Device

	mu     sync.Mutex
	graph  *graph.Graph
	order  []*graph.Node
	placed map[graph.NodeId]*Device
	closed bool

	// variables holds session-owned mutable state, keyed by Variable node name.
	variables xsync.SyncMap[string, *tensors.Tensor]

	// runMu serializes Run calls.
	runMu sync.Mutex

	// debug instrumentation, set through DebugSession.
	debugMu            sync.Mutex
	completionCallback NodeCompletionCallback
	valueCallback      NodeValueCallback
	gate               *stepGate
	roundActive        bool
}

// New creates a Session from the given options. If opts.Target is TargetDebug,
// the returned session is carried by a DebugSession (see NewDebug); New itself
// always succeeds for supported options.
func New(opts Options) (*Session, error) {
	devices, err := makeDevices(opts.DeviceCount)
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:      uuid.NewString(),
		opts:    opts,
		devices: devices,
	}
	klog.V(1).Infof("session %s: created (target=%q, %d devices)", s.id, opts.Target, len(devices))
	return s, nil
}

// Id returns the unique id of this session.
func (s *Session) Id() string { return s.id }

// Devices returns the simulated devices of this session.
func (s *Session) Devices() []*Device { return s.devices }

// Create binds the session to the given graph. It fails if the session
// already has a graph (use Extend to add nodes) or if any node's op has no
// registered kernel.
func (s *Session) Create(def *graph.GraphDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Errorf("session %s is closed", s.id)
	}
	if s.graph != nil {
		return errors.Errorf("session %s: graph already created, use Extend to add nodes", s.id)
	}
	g, err := graph.FromGraphDef(def)
	if err != nil {
		return errors.Wrapf(err, "session %s: Create", s.id)
	}
	err = s.bindNodes(g, g.Nodes())
	if err != nil {
		return err
	}
	s.graph = g
	klog.V(1).Infof("session %s: created graph %q with %d nodes", s.id, g.Name(), g.NumNodes())
	return nil
}

// Extend appends the nodes of def to the session's graph. New nodes may refer
// to already created ones by name.
func (s *Session) Extend(def *graph.GraphDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Errorf("session %s is closed", s.id)
	}
	if s.graph == nil {
		return errors.Errorf("session %s: no graph created yet", s.id)
	}
	numBefore := s.graph.NumNodes()
	err := s.graph.ExtendFromDef(def)
	if err != nil {
		return errors.Wrapf(err, "session %s: Extend", s.id)
	}
	err = s.bindNodes(s.graph, s.graph.Nodes()[numBefore:])
	if err != nil {
		return err
	}
	klog.V(1).Infof("session %s: extended graph %q to %d nodes", s.id, s.graph.Name(), s.graph.NumNodes())
	return nil
}

// bindNodes validates ops against the kernels registry, places nodes on
// devices and initializes variables. Called with s.mu held.
func (s *Session) bindNodes(g *graph.Graph, nodes []*graph.Node) error {
	if s.placed == nil {
		s.placed = make(map[graph.NodeId]*Device)
	}
	for _, node := range nodes {
		switch node.Op() {
		case graph.OpConst, graph.OpPlaceholder, graph.OpVariable, graph.OpAssign:
			// Resolved by the executor, no kernel needed.
		default:
			_, found := kernels.Lookup(node.Op())
			if !found {
				return errors.Errorf("session %s: node %q has op %s with no registered kernel",
					s.id, node.Name(), node.Op())
			}
		}
		device, err := s.placeNode(node)
		if err != nil {
			return err
		}
		s.placed[node.Id()] = device
		if node.Op() == graph.OpVariable {
			s.variables.Store(node.Name(), node.Value().Clone())
		}
	}
	s.order = append(s.order, nodes...)
	return nil
}

// Close releases the session state. Further calls on the session fail.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	s.order = nil
	s.placed = nil
	s.variables.Clear()
	klog.V(1).Infof("session %s: closed", s.id)
	return nil
}

// Run executes the graph nodes needed by fetches and targets, feeding the
// given inputs, and returns the fetched tensors aligned with the fetch list.
//
// A fetch specifier has the form "name:outputIndex"; a bare "name" means
// output 0. All nodes produce a single output, so any other index is an error.
func (s *Session) Run(inputs []NamedTensor, fetches []string, targets []string) ([]*tensors.Tensor, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.run(inputs, fetches, targets)
}

func (s *Session) run(inputs []NamedTensor, fetches []string, targets []string) ([]*tensors.Tensor, error) {
	if len(fetches) == 0 && len(targets) == 0 {
		return nil, errors.Errorf("session %s: Run requires at least one fetch or target", s.id)
	}
	exec, fetchNodes, err := s.newRunExecution(inputs, fetches, targets)
	if err != nil {
		return nil, err
	}
	err = exec.execute()
	if err != nil {
		return nil, err
	}

	outputs := make([]*tensors.Tensor, 0, len(fetchNodes))
	for _, node := range fetchNodes {
		outputs = append(outputs, exec.fetched(node))
	}
	return outputs, nil
}

// newRunExecution resolves fetch, target and feed names and snapshots the
// graph state into a fresh execution. It holds s.mu throughout: name lookups
// go through the graph's name index, which a concurrent Extend mutates under
// the same lock.
func (s *Session) newRunExecution(inputs []NamedTensor, fetches []string, targets []string) (*execution, []*graph.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, errors.Errorf("session %s is closed", s.id)
	}
	g := s.graph
	if g == nil {
		return nil, nil, errors.Errorf("session %s: no graph created yet", s.id)
	}

	fetchNodes := make([]*graph.Node, 0, len(fetches))
	for _, fetch := range fetches {
		node, err := s.resolveFetch(g, fetch)
		if err != nil {
			return nil, nil, err
		}
		fetchNodes = append(fetchNodes, node)
	}
	targetNodes := make([]*graph.Node, 0, len(targets))
	for _, target := range targets {
		node := g.NodeByName(target)
		if node == nil {
			return nil, nil, errors.Errorf("session %s: target node %q not found in graph %q", s.id, target, g.Name())
		}
		targetNodes = append(targetNodes, node)
	}

	feeds := make(map[string]*tensors.Tensor, len(inputs))
	for _, input := range inputs {
		node := g.NodeByName(input.Name)
		if node == nil {
			return nil, nil, errors.Errorf("session %s: fed node %q not found in graph %q", s.id, input.Name, g.Name())
		}
		if input.Tensor == nil || !input.Tensor.IsInitialized() {
			return nil, nil, errors.Errorf("session %s: fed node %q given an uninitialized tensor", s.id, input.Name)
		}
		if !input.Tensor.Shape().Equal(node.Shape()) {
			return nil, nil, errors.Errorf("session %s: fed node %q expects shape %s, got %s",
				s.id, input.Name, node.Shape(), input.Tensor.Shape())
		}
		feeds[input.Name] = input.Tensor
	}

	placed := make(map[graph.NodeId]*Device, len(s.placed))
	for id, device := range s.placed {
		placed[id] = device
	}
	exec, err := newExecution(s, s.order, placed, feeds, fetchNodes, targetNodes)
	if err != nil {
		return nil, nil, err
	}
	return exec, fetchNodes, nil
}

// resolveFetch parses a "name:outputIndex" fetch specifier.
func (s *Session) resolveFetch(g *graph.Graph, fetch string) (*graph.Node, error) {
	name := fetch
	outputIndex := 0
	if colon := strings.LastIndex(fetch, ":"); colon >= 0 {
		name = fetch[:colon]
		var err error
		outputIndex, err = strconv.Atoi(fetch[colon+1:])
		if err != nil {
			return nil, errors.Wrapf(err, "session %s: invalid fetch specifier %q", s.id, fetch)
		}
	}
	node := g.NodeByName(name)
	if node == nil {
		return nil, errors.Errorf("session %s: fetched node %q not found in graph %q", s.id, name, g.Name())
	}
	if outputIndex != 0 {
		return nil, errors.Errorf("session %s: fetch %q: node %q has a single output, index %d out of range",
			s.id, fetch, name, outputIndex)
	}
	return node, nil
}

// String implements fmt.Stringer.
func (s *Session) String() string {
	return fmt.Sprintf("Session(%s, target=%q, %d devices)", s.id, s.opts.Target, len(s.devices))
}
