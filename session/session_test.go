package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caisq/debugflow/graph"
	"github.com/caisq/debugflow/types/shapes"
	"github.com/caisq/debugflow/types/tensors"
)

func TestDeviceNaming(t *testing.T) {
	sess, err := New(Options{DeviceCount: map[string]int{"CPU": 2}})
	require.NoError(t, err)
	defer func() { require.NoError(t, sess.Close()) }()

	devices := sess.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "/job:localhost/replica:0/task:0/cpu:0", devices[0].Name)
	assert.Equal(t, "/job:localhost/replica:0/task:0/cpu:1", devices[1].Name)
	assert.Equal(t, "CPU", devices[0].Type)
	assert.Equal(t, 1, devices[1].Num)
	assert.NotEmpty(t, sess.Id())
}

func TestDefaultDeviceCount(t *testing.T) {
	sess, err := New(Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, sess.Close()) }()
	require.Len(t, sess.Devices(), 1)
}

func TestInvalidDeviceCount(t *testing.T) {
	_, err := New(Options{DeviceCount: map[string]int{"CPU": 0}})
	require.ErrorContains(t, err, "must be positive")
}

func TestRunFetchesAndTargets(t *testing.T) {
	g := graph.New("simple")
	c := g.Const("c", tensors.FromValue([]float32{1, -2, 3}))
	g.Neg("neg", c)
	def := g.ToGraphDef()

	sess, err := New(Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, sess.Close()) }()
	require.NoError(t, sess.Create(def))

	// Bare name and "name:0" resolve to the same single output.
	outputs, err := sess.Run(nil, []string{"neg:0", "c"}, nil)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.Equal(t, []float32{-1, 2, -3}, outputs[0].Value())
	assert.Equal(t, []float32{1, -2, 3}, outputs[1].Value())

	// Targets alone execute without returning anything.
	outputs, err = sess.Run(nil, nil, []string{"neg"})
	require.NoError(t, err)
	assert.Empty(t, outputs)
}

func TestRunErrors(t *testing.T) {
	g := graph.New("simple")
	c := g.Const("c", tensors.FromValue([]float32{1}))
	g.Neg("neg", c)
	def := g.ToGraphDef()

	sess, err := New(Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, sess.Close()) }()

	// Run before Create.
	_, err = sess.Run(nil, []string{"neg:0"}, nil)
	require.ErrorContains(t, err, "no graph created")

	require.NoError(t, sess.Create(def))

	_, err = sess.Run(nil, nil, nil)
	require.ErrorContains(t, err, "at least one fetch or target")

	_, err = sess.Run(nil, []string{"nope:0"}, nil)
	require.ErrorContains(t, err, `"nope" not found`)

	_, err = sess.Run(nil, []string{"neg:1"}, nil)
	require.ErrorContains(t, err, "out of range")

	_, err = sess.Run(nil, nil, []string{"nope"})
	require.ErrorContains(t, err, `"nope" not found`)

	// A second Create is rejected.
	require.ErrorContains(t, sess.Create(def), "already created")
}

func TestRunWithPlaceholderFeeds(t *testing.T) {
	g := graph.New("feeds")
	p := g.Placeholder("p", tensors.FromValue([][]float32{{0, 0}}).Shape())
	g.Neg("neg", p)
	def := g.ToGraphDef()

	sess, err := New(Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, sess.Close()) }()
	require.NoError(t, sess.Create(def))

	// An unfed placeholder fails at Run setup.
	_, err = sess.Run(nil, []string{"neg:0"}, nil)
	require.ErrorContains(t, err, `placeholder "p" requires a fed value`)

	outputs, err := sess.Run(
		[]NamedTensor{{Name: "p", Tensor: tensors.FromValue([][]float32{{4, -7}})}},
		[]string{"neg:0"}, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{-4, 7}}, outputs[0].Value())

	// Feed shape must match the node shape.
	_, err = sess.Run(
		[]NamedTensor{{Name: "p", Tensor: tensors.FromValue([]float32{4, -7})}},
		[]string{"neg:0"}, nil)
	require.ErrorContains(t, err, "expects shape")

	_, err = sess.Run(
		[]NamedTensor{{Name: "p", Tensor: nil}},
		[]string{"neg:0"}, nil)
	require.ErrorContains(t, err, "uninitialized tensor")
}

// Feeding a computed node overrides its computation and prunes its inputs.
func TestRunFeedOverridesNode(t *testing.T) {
	g := graph.New("override")
	c := g.Const("c", tensors.FromValue([]float32{1, 2}))
	n := g.Neg("neg", c)
	g.Neg("neg2", n)
	def := g.ToGraphDef()

	sess, err := New(Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, sess.Close()) }()
	require.NoError(t, sess.Create(def))

	outputs, err := sess.Run(
		[]NamedTensor{{Name: "neg", Tensor: tensors.FromValue([]float32{10, 20})}},
		[]string{"neg2:0"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{-10, -20}, outputs[0].Value())
}

func TestVariablesAndAssign(t *testing.T) {
	g := graph.New("state")
	v := g.Variable("v", tensors.FromValue([]float32{1, 2}))
	delta := g.Const("delta", tensors.FromValue([]float32{10, 10}))
	sum := g.Add("sum", v, delta)
	g.Assign("update", v, sum)
	def := g.ToGraphDef()

	sess, err := New(Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, sess.Close()) }()
	require.NoError(t, sess.Create(def))

	// The variable holds its initial value until an Assign runs.
	outputs, err := sess.Run(nil, []string{"v:0"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, outputs[0].Value())

	for run := 1; run <= 3; run++ {
		outputs, err = sess.Run(nil, []string{"update:0"}, nil)
		require.NoError(t, err)
		assert.Equal(t, []float32{1 + 10*float32(run), 2 + 10*float32(run)}, outputs[0].Value())
	}

	// Fetched tensors are owned by the caller: mutating one must not leak
	// into the session's variable state.
	outputs, err = sess.Run(nil, []string{"v:0"}, nil)
	require.NoError(t, err)
	tensors.MutableFlatData[float32](outputs[0])[0] = -1
	outputs, err = sess.Run(nil, []string{"v:0"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{31, 32}, outputs[0].Value())
}

func TestExtend(t *testing.T) {
	g := graph.New("base")
	g.Const("c", tensors.FromValue([]float32{1, -1}))
	def := g.ToGraphDef()

	sess, err := New(Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, sess.Close()) }()

	require.ErrorContains(t, sess.Extend(def), "no graph created")
	require.NoError(t, sess.Create(def))

	// The extension refers to the already created "c" by name.
	ext := &graph.GraphDef{
		Name: "base",
		Nodes: []graph.NodeDef{
			{Name: "neg", Op: string(graph.OpNeg), Inputs: []string{"c"},
				DType: shapes.Float32, Dims: []int{2}},
		},
	}
	require.NoError(t, sess.Extend(ext))

	outputs, err := sess.Run(nil, []string{"neg:0"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, 1}, outputs[0].Value())
}

func TestClose(t *testing.T) {
	g := graph.New("simple")
	g.Const("c", tensors.FromValue([]float32{1}))
	def := g.ToGraphDef()

	sess, err := New(Options{})
	require.NoError(t, err)
	require.NoError(t, sess.Create(def))
	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close()) // idempotent

	_, err = sess.Run(nil, []string{"c:0"}, nil)
	require.ErrorContains(t, err, "closed")
	require.ErrorContains(t, sess.Create(def), "closed")
	require.ErrorContains(t, sess.Extend(def), "closed")
}

func TestPlacement(t *testing.T) {
	g := graph.New("placed")
	a := g.Const("a", tensors.FromValue([]float32{1}))
	a.SetAssignedDevice("/cpu:1") // suffix form
	b := g.Const("b", tensors.FromValue([]float32{2}))
	b.SetAssignedDevice("/job:localhost/replica:0/task:0/cpu:0")
	g.Add("sum", a, b)
	def := g.ToGraphDef()

	sess, err := New(Options{DeviceCount: map[string]int{"CPU": 2}})
	require.NoError(t, err)
	defer func() { require.NoError(t, sess.Close()) }()
	require.NoError(t, sess.Create(def))

	outputs, err := sess.Run(nil, []string{"sum:0"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{3}, outputs[0].Value())
}

func TestPlacementUnknownDevice(t *testing.T) {
	g := graph.New("placed")
	a := g.Const("a", tensors.FromValue([]float32{1}))
	a.SetAssignedDevice("/gpu:0")
	def := g.ToGraphDef()

	sess, err := New(Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, sess.Close()) }()
	require.ErrorContains(t, sess.Create(def), "unknown device")
}

// Fetching a Const returns a copy, not the node's build-time payload.
func TestFetchedConstIsACopy(t *testing.T) {
	g := graph.New("simple")
	g.Const("c", tensors.FromValue([]float32{7}))
	def := g.ToGraphDef()

	sess, err := New(Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, sess.Close()) }()
	require.NoError(t, sess.Create(def))

	outputs, err := sess.Run(nil, []string{"c:0"}, nil)
	require.NoError(t, err)
	tensors.MutableFlatData[float32](outputs[0])[0] = 99

	outputs, err = sess.Run(nil, []string{"c:0"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{7}, outputs[0].Value())
}

// Extend mutates the graph's name index while Run resolves fetch and target
// names through it; the two must be safe to call concurrently.
func TestConcurrentRunAndExtend(t *testing.T) {
	g := graph.New("grow")
	g.Const("c", tensors.FromValue([]float32{1, -1}))
	def := g.ToGraphDef()

	sess, err := New(Options{DeviceCount: map[string]int{"CPU": 2}})
	require.NoError(t, err)
	defer func() { require.NoError(t, sess.Close()) }()
	require.NoError(t, sess.Create(def))

	const numExtends = 50
	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		for ii := 0; ii < numExtends; ii++ {
			outputs, err := sess.Run(nil, []string{"c:0"}, nil)
			if err != nil {
				runErr = err
				return
			}
			if values := outputs[0].Value().([]float32); values[0] != 1 || values[1] != -1 {
				runErr = fmt.Errorf("run %d fetched %v", ii, values)
				return
			}
		}
	}()
	for ii := 0; ii < numExtends; ii++ {
		ext := &graph.GraphDef{Name: "grow", Nodes: []graph.NodeDef{{
			Name: fmt.Sprintf("neg_%d", ii), Op: string(graph.OpNeg), Inputs: []string{"c"},
			DType: shapes.Float32, Dims: []int{2},
		}}}
		require.NoError(t, sess.Extend(ext))
	}
	wg.Wait()
	require.NoError(t, runErr)

	outputs, err := sess.Run(nil, []string{fmt.Sprintf("neg_%d:0", numExtends-1)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, 1}, outputs[0].Value())
}

// A wider graph exercises the multi-device dispatcher with a fan-in chain.
func TestRunManyDevices(t *testing.T) {
	g := graph.New("chain")
	total := g.Const("in_0", tensors.FromValue([]float32{0, 0}))
	for ii := 1; ii <= 16; ii++ {
		c := g.Const("", tensors.FromValue([]float32{float32(ii), -float32(ii)}))
		total = g.Add("", total, c)
	}
	g.Neg("out", total)
	def := g.ToGraphDef()

	sess, err := New(Options{DeviceCount: map[string]int{"CPU": 4}})
	require.NoError(t, err)
	defer func() { require.NoError(t, sess.Close()) }()
	require.NoError(t, sess.Create(def))

	outputs, err := sess.Run(nil, []string{"out:0"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{-136, 136}, outputs[0].Value())
}
