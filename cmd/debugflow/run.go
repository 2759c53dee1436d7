package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/caisq/debugflow/graph"
	"github.com/caisq/debugflow/session"
	"github.com/caisq/debugflow/types/shapes"
	"github.com/caisq/debugflow/types/tensors"
)

var (
	flagFetches []string
	flagTargets []string
	flagFeeds   []string
	flagDevices int
)

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&flagFetches, "fetch", nil, `fetch specifier, e.g. "y:0" (repeatable)`)
	cmd.Flags().StringArrayVar(&flagTargets, "target", nil, "target node to execute without fetching (repeatable)")
	cmd.Flags().StringArrayVar(&flagFeeds, "feed", nil, `fed value as "node=v1,v2,..." flat values (repeatable)`)
	cmd.Flags().IntVar(&flagDevices, "devices", 1, "number of simulated CPU devices")
}

var runCmd = &cobra.Command{
	Use:   "run <graphdef-file>",
	Short: "Execute a serialized graph and print the fetched tensors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, g, err := loadGraph(args[0])
		if err != nil {
			return err
		}
		inputs, fetches, targets, err := resolveRunArgs(g)
		if err != nil {
			return err
		}
		sess, err := session.New(session.Options{DeviceCount: map[string]int{"CPU": flagDevices}})
		if err != nil {
			return err
		}
		defer func() { _ = sess.Close() }()
		err = sess.Create(def)
		if err != nil {
			return err
		}
		outputs, err := sess.Run(inputs, fetches, targets)
		if err != nil {
			return err
		}
		for ii, fetch := range fetches {
			fmt.Printf("%s = %s\n", fetch, outputs[ii])
		}
		return nil
	},
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

// resolveRunArgs turns the flag values into Run arguments. Without explicit
// fetches or targets, every sink node (one nothing depends on) becomes a target.
func resolveRunArgs(g *graph.Graph) ([]session.NamedTensor, []string, []string, error) {
	var inputs []session.NamedTensor
	for _, spec := range flagFeeds {
		input, err := parseFeed(g, spec)
		if err != nil {
			return nil, nil, nil, err
		}
		inputs = append(inputs, input)
	}
	fetches := flagFetches
	targets := flagTargets
	if len(fetches) == 0 && len(targets) == 0 {
		targets = sinkNodes(g)
	}
	return inputs, fetches, targets, nil
}

// sinkNodes returns the names of the nodes no other node depends on.
func sinkNodes(g *graph.Graph) []string {
	hasDependent := make(map[graph.NodeId]bool)
	for _, node := range g.Nodes() {
		for _, input := range node.Inputs() {
			hasDependent[input.Id()] = true
		}
	}
	var sinks []string
	for _, node := range g.Nodes() {
		if !hasDependent[node.Id()] {
			sinks = append(sinks, node.Name())
		}
	}
	return sinks
}

// parseFeed parses "node=v1,v2,..." into a tensor shaped like the named node.
func parseFeed(g *graph.Graph, spec string) (session.NamedTensor, error) {
	name, valueSpec, found := strings.Cut(spec, "=")
	if !found {
		return session.NamedTensor{}, errors.Errorf("invalid feed %q, expected \"node=v1,v2,...\"", spec)
	}
	node := g.NodeByName(name)
	if node == nil {
		return session.NamedTensor{}, errors.Errorf("feed %q: node not found in graph %q", name, g.Name())
	}
	fields := strings.Split(valueSpec, ",")
	shape := node.Shape()
	if len(fields) != shape.Size() {
		return session.NamedTensor{}, errors.Errorf("feed %q: node is shaped %s, requires %d values, got %d",
			name, shape, shape.Size(), len(fields))
	}
	tensor, err := tensorFromStrings(shape, fields)
	if err != nil {
		return session.NamedTensor{}, errors.Wrapf(err, "feed %q", name)
	}
	return session.NamedTensor{Name: name, Tensor: tensor}, nil
}

func tensorFromStrings(shape shapes.Shape, fields []string) (*tensors.Tensor, error) {
	switch shape.DType {
	case shapes.Float32:
		return tensorFromStringsAs(shape, fields, func(s string) (float32, error) {
			v, err := strconv.ParseFloat(s, 32)
			return float32(v), err
		})
	case shapes.Float64:
		return tensorFromStringsAs(shape, fields, func(s string) (float64, error) {
			return strconv.ParseFloat(s, 64)
		})
	case shapes.Int32:
		return tensorFromStringsAs(shape, fields, func(s string) (int32, error) {
			v, err := strconv.ParseInt(s, 10, 32)
			return int32(v), err
		})
	case shapes.Int64:
		return tensorFromStringsAs(shape, fields, func(s string) (int64, error) {
			return strconv.ParseInt(s, 10, 64)
		})
	}
	return nil, errors.Errorf("cannot parse fed values of dtype %s", shape.DType)
}

func tensorFromStringsAs[T shapes.Supported](shape shapes.Shape, fields []string, parse func(string) (T, error)) (*tensors.Tensor, error) {
	data := make([]T, 0, len(fields))
	for _, field := range fields {
		v, err := parse(strings.TrimSpace(field))
		if err != nil {
			return nil, err
		}
		data = append(data, v)
	}
	return tensors.FromFlatDataAndDimensions(data, shape.Dimensions...), nil
}
