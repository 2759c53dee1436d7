// debugflow is a command-line tool to inspect and execute serialized dataflow
// graphs (CBOR-encoded GraphDef files).
//
//	debugflow show  graph.def                  # list the graph nodes
//	debugflow run   graph.def --fetch y:0      # execute and print fetches
//	debugflow trace graph.def --target y_neg   # execute under a debug session
//
// Run with --help for the full flag set. klog flags (-v etc.) are available
// for verbose session logging.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/janpfeifer/must"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/caisq/debugflow/graph"
)

var rootCmd = &cobra.Command{
	Use:          "debugflow",
	Short:        "Inspect and execute serialized dataflow graphs",
	SilenceUsage: true,
}

func main() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// loadGraph reads a CBOR GraphDef file and rebuilds the graph.
func loadGraph(path string) (*graph.GraphDef, *graph.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { must.M(f.Close()) }()
	def, err := graph.ReadGraphDef(f)
	if err != nil {
		return nil, nil, err
	}
	g, err := graph.FromGraphDef(def)
	if err != nil {
		return nil, nil, err
	}
	return def, g, nil
}

var showCmd = &cobra.Command{
	Use:   "show <graphdef-file>",
	Short: "List the nodes of a serialized graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, g, err := loadGraph(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Graph %q: %d nodes\n", g.Name(), g.NumNodes())
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Node", "Op", "Shape", "Inputs", "Device"})
		for _, node := range g.Nodes() {
			inputs := ""
			for ii, input := range node.Inputs() {
				if ii > 0 {
					inputs += ", "
				}
				inputs += input.Name()
			}
			table.Append([]string{node.Name(), string(node.Op()), node.Shape().String(), inputs, node.AssignedDevice()})
		}
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}
