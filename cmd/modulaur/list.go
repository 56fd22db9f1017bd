package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type listOptions struct {
	jsonOutput bool
}

func newListCmd(rootFlags *rootFlags) *cobra.Command {
	opts := &listOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Load all plugins and list their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, rootFlags, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

func runList(cmd *cobra.Command, rootFlags *rootFlags, opts *listOptions) error {
	ctx := cmd.Context()
	rt, err := newRuntime(rootFlags)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	if err := rt.loadPlugins(ctx); err != nil {
		return err
	}

	plugins := rt.manager.Plugins()
	if opts.jsonOutput {
		data, err := json.MarshalIndent(plugins, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	if len(plugins) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No plugins found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PLUGIN\tVERSION\tSTATUS\tBACKEND\tERROR")
	for _, p := range plugins {
		backend := "-"
		if p.HasBackend {
			backend = "wasm"
		}
		errMsg := p.Error
		if errMsg == "" {
			errMsg = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Version, p.Status, backend, errMsg)
	}
	return w.Flush()
}
