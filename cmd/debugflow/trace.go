package main

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/caisq/debugflow/session"
	"github.com/caisq/debugflow/types/tensors"
)

// traceRow records one node completion observed through the debug callbacks.
type traceRow struct {
	node        string
	completedAt time.Time
	isRef       bool
	value       *tensors.Tensor
}

var traceCmd = &cobra.Command{
	Use:   "trace <graphdef-file>",
	Short: "Execute a serialized graph under a debug session and print the per-node trace",
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
		sess, err := session.NewDebug(session.Options{DeviceCount: map[string]int{"CPU": flagDevices}})
		if err != nil {
			return err
		}
		defer func() { _ = sess.Close() }()
		err = sess.Create(def)
		if err != nil {
			return err
		}

		var mu sync.Mutex
		rows := make(map[string]*traceRow)
		sess.SetNodeCompletionCallback(func(nodeName string, completionTime time.Time, outputIsRef bool) {
			mu.Lock()
			defer mu.Unlock()
			rows[nodeName] = &traceRow{node: nodeName, completedAt: completionTime, isRef: outputIsRef}
		})
		sess.SetNodeValueCallback(func(nodeName string, value *tensors.Tensor, outputIsRef bool) {
			mu.Lock()
			defer mu.Unlock()
			if row := rows[nodeName]; row != nil {
				row.value = value
			}
		})

		start := time.Now()
		outputs, err := sess.Run(inputs, fetches, targets)
		if err != nil {
			return err
		}

		ordered := make([]*traceRow, 0, len(rows))
		for _, row := range rows {
			ordered = append(ordered, row)
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].completedAt.Before(ordered[j].completedAt) })

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Node", "Op", "Device", "Completed", "Ref", "Value"})
		for _, row := range ordered {
			node := g.NodeByName(row.node)
			value := ""
			if row.value != nil {
				value = row.value.String()
			}
			table.Append([]string{
				row.node,
				string(node.Op()),
				node.AssignedDevice(),
				row.completedAt.Sub(start).String(),
				fmt.Sprintf("%v", row.isRef),
				value,
			})
		}
		table.Render()

		for ii, fetch := range fetches {
			fmt.Printf("%s = %s\n", fetch, outputs[ii])
		}
		return nil
	},
}

func init() {
	addRunFlags(traceCmd)
	rootCmd.AddCommand(traceCmd)
}
