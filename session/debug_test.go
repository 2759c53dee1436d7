package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caisq/debugflow/graph"
	"github.com/caisq/debugflow/types/tensors"
)

// buildMinusAX builds the graph y = A·x, y_neg = -y, with the nodes split
// across two CPU devices.
func buildMinusAX(t *testing.T, aValues [][]float32) *graph.GraphDef {
	g := graph.New("minus_ax")
	a := g.Const("a", tensors.FromValue(aValues))
	a.SetAssignedDevice("/job:localhost/replica:0/task:0/cpu:0")
	x := g.Const("x", tensors.FromValue([][]float32{{1}, {1}}))
	x.SetAssignedDevice("/job:localhost/replica:0/task:0/cpu:1")
	y := g.MatMul("y", a, x)
	y.SetAssignedDevice("/job:localhost/replica:0/task:0/cpu:0")
	yNeg := g.Neg("y_neg", y)
	yNeg.SetAssignedDevice("/job:localhost/replica:0/task:0/cpu:1")
	require.Equal(t, 4, g.NumNodes())
	return g.ToGraphDef()
}

func newTestDebugSession(t *testing.T) *DebugSession {
	sess, err := NewDebug(Options{
		Target:      TargetDebug,
		DeviceCount: map[string]int{"CPU": 2},
	})
	require.NoError(t, err)
	return sess
}

func TestDebugSessionMinusAX(t *testing.T) {
	def := buildMinusAX(t, [][]float32{{3, 2}, {-1, 0}})
	sess := newTestDebugSession(t)
	defer func() { require.NoError(t, sess.Close()) }()

	// Record the calling history of both callbacks. Nodes complete
	// concurrently on the two devices, so recording is serialized.
	var mu sync.Mutex
	var completedNodes []string
	var completionTimes []time.Time
	var isRefs []bool
	sess.SetNodeCompletionCallback(func(nodeName string, completionTime time.Time, outputIsRef bool) {
		mu.Lock()
		defer mu.Unlock()
		completedNodes = append(completedNodes, nodeName)
		completionTimes = append(completionTimes, completionTime)
		isRefs = append(isRefs, outputIsRef)
	})

	var tensorsInitialized []bool
	tensorVals := make(map[string]*tensors.Tensor)
	sess.SetNodeValueCallback(func(nodeName string, value *tensors.Tensor, outputIsRef bool) {
		mu.Lock()
		defer mu.Unlock()
		tensorsInitialized = append(tensorsInitialized, value.IsInitialized())
		tensorVals[nodeName] = value
	})

	require.NoError(t, sess.Create(def))

	// Request two executions: one fetched output and one non-fetched target.
	outputs, err := sess.Run(nil, []string{"y:0"}, []string{"y_neg"})
	require.NoError(t, err)

	require.Len(t, outputs, 1)
	require.True(t, outputs[0].IsInitialized())
	require.Equal(t, [][]float32{{5}, {-1}}, outputs[0].Value())

	// Verify the calling history of the completion callback.
	require.GreaterOrEqual(t, len(completedNodes), 4)
	require.Equal(t, len(completedNodes), len(isRefs))
	for _, name := range []string{"a", "x", "y", "y_neg"} {
		require.Contains(t, completedNodes, name)
	}
	for _, completionTime := range completionTimes {
		require.False(t, completionTime.IsZero())
	}

	// There is no reference-typed tensor in this graph.
	for _, isRef := range isRefs {
		require.False(t, isRef)
	}

	// Verify the calling history of the value callback.
	require.Equal(t, len(completedNodes), len(tensorsInitialized))
	for _, initialized := range tensorsInitialized {
		require.True(t, initialized)
	}
	require.Equal(t, len(completedNodes), len(tensorVals))

	// Verify the intermediate tensor values captured through the value callback.
	require.Equal(t, [][]float32{{3, 2}, {-1, 0}}, tensorVals["a"].Value())
	require.Equal(t, [][]float32{{1}, {1}}, tensorVals["x"].Value())
	require.Equal(t, [][]float32{{5}, {-1}}, tensorVals["y"].Value())
	require.Equal(t, [][]float32{{-5}, {1}}, tensorVals["y_neg"].Value())
}

// Re-running the same session keeps reporting through the callbacks, once per
// executed node per run.
func TestDebugSessionRepeatedRuns(t *testing.T) {
	def := buildMinusAX(t, [][]float32{{1, 0}, {0, 1}})
	sess := newTestDebugSession(t)
	defer func() { require.NoError(t, sess.Close()) }()

	var mu sync.Mutex
	completions := 0
	values := 0
	sess.SetNodeCompletionCallback(func(string, time.Time, bool) {
		mu.Lock()
		defer mu.Unlock()
		completions++
	})
	sess.SetNodeValueCallback(func(string, *tensors.Tensor, bool) {
		mu.Lock()
		defer mu.Unlock()
		values++
	})
	require.NoError(t, sess.Create(def))

	const numRuns = 5
	for run := 0; run < numRuns; run++ {
		outputs, err := sess.Run(nil, []string{"y_neg:0"}, nil)
		require.NoError(t, err)
		require.Equal(t, [][]float32{{-1}, {-1}}, outputs[0].Value())
	}
	require.Equal(t, numRuns*4, completions)
	require.Equal(t, completions, values)
}

// Variable and Assign outputs are reference-typed; the callbacks report them
// as such and deliver value snapshots.
func TestDebugSessionRefTensors(t *testing.T) {
	g := graph.New("counter")
	v := g.Variable("v", tensors.FromValue([]float32{10, 20}))
	delta := g.Const("delta", tensors.FromValue([]float32{1, 2}))
	sum := g.Add("sum", v, delta)
	g.Assign("update_v", v, sum)
	def := g.ToGraphDef()

	sess := newTestDebugSession(t)
	defer func() { require.NoError(t, sess.Close()) }()

	var mu sync.Mutex
	refByNode := make(map[string]bool)
	valueRefByNode := make(map[string]bool)
	sess.SetNodeCompletionCallback(func(nodeName string, _ time.Time, outputIsRef bool) {
		mu.Lock()
		defer mu.Unlock()
		refByNode[nodeName] = outputIsRef
	})
	sess.SetNodeValueCallback(func(nodeName string, value *tensors.Tensor, outputIsRef bool) {
		mu.Lock()
		defer mu.Unlock()
		valueRefByNode[nodeName] = outputIsRef
		require.True(t, value.IsInitialized())
	})

	require.NoError(t, sess.Create(def))
	outputs, err := sess.Run(nil, []string{"update_v:0"}, nil)
	require.NoError(t, err)
	require.Equal(t, []float32{11, 22}, outputs[0].Value())

	require.True(t, refByNode["v"])
	require.True(t, refByNode["update_v"])
	require.False(t, refByNode["delta"])
	require.False(t, refByNode["sum"])
	require.Equal(t, refByNode, valueRefByNode)

	// The second run observes the updated variable state.
	outputs, err = sess.Run(nil, []string{"sum:0"}, nil)
	require.NoError(t, err)
	require.Equal(t, []float32{12, 24}, outputs[0].Value())
}

// The value callback owns the tensor it is given: mutating it must not leak
// into the graph's constants.
func TestDebugSessionValueCallbackOwnsTensor(t *testing.T) {
	g := graph.New("const_only")
	g.Const("c", tensors.FromValue([]float32{7}))
	sess := newTestDebugSession(t)
	defer func() { require.NoError(t, sess.Close()) }()

	sess.SetNodeValueCallback(func(_ string, value *tensors.Tensor, _ bool) {
		tensors.MutableFlatData[float32](value)[0] = 99
	})
	require.NoError(t, sess.Create(g.ToGraphDef()))

	for run := 0; run < 2; run++ {
		outputs, err := sess.Run(nil, []string{"c:0"}, nil)
		require.NoError(t, err)
		require.Equal(t, []float32{7}, outputs[0].Value())
	}
}

// Callbacks registered on a debug session only see the nodes a run needs.
func TestDebugSessionPrunedRun(t *testing.T) {
	def := buildMinusAX(t, [][]float32{{3, 2}, {-1, 0}})
	sess := newTestDebugSession(t)
	defer func() { require.NoError(t, sess.Close()) }()

	var mu sync.Mutex
	var completedNodes []string
	sess.SetNodeCompletionCallback(func(nodeName string, _ time.Time, _ bool) {
		mu.Lock()
		defer mu.Unlock()
		completedNodes = append(completedNodes, nodeName)
	})
	require.NoError(t, sess.Create(def))

	// Fetching y does not execute y_neg.
	_, err := sess.Run(nil, []string{"y:0"}, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "x", "y"}, completedNodes)
}
