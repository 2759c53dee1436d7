// Package kernels implements the op registry: the mapping from graph op types
// to the functions that compute them on the host CPU.
//
// Kernels are registered from init() functions in this package. The session
// resolves every node of a graph against the registry at Create time, so an
// unsupported op fails early instead of mid-run.
//
// Const, Placeholder, Variable and Assign have no kernels: their values are
// resolved by the session (build-time payloads, feeds and variable state).
package kernels

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/caisq/debugflow/graph"
	"github.com/caisq/debugflow/types/tensors"
)

// Kernel computes the output tensor of one node, given the tensors produced by
// its inputs (same order as node.Inputs()). A kernel must not retain nor
// modify its inputs.
type Kernel func(node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error)

var registry = map[graph.OpType]Kernel{}

// Register adds a kernel for the given op type. It panics on duplicate
// registration, which indicates a bug.
func Register(op graph.OpType, kernel Kernel) {
	if _, found := registry[op]; found {
		panic(errors.Errorf("kernels.Register: duplicate kernel for op %q", op))
	}
	registry[op] = kernel
}

// Lookup returns the kernel registered for the given op type.
func Lookup(op graph.OpType) (Kernel, bool) {
	kernel, found := registry[op]
	return kernel, found
}

// Registered returns the sorted list of op types with registered kernels.
func Registered() []graph.OpType {
	ops := make([]graph.OpType, 0, len(registry))
	for op := range registry {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

func init() {
	Register(graph.OpIdentity, execIdentity)
}

func execIdentity(node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	return inputs[0].Clone(), nil
}
