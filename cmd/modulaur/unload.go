package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUnloadCmd(rootFlags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unload <plugin>",
		Short: "Load all plugins, then tear one down and report the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnload(cmd, rootFlags, args[0])
		},
	}

	return cmd
}

func runUnload(cmd *cobra.Command, rootFlags *rootFlags, pluginID string) error {
	ctx := cmd.Context()
	rt, err := newRuntime(rootFlags)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	if err := rt.loadPlugins(ctx); err != nil {
		return err
	}

	if err := rt.manager.Unload(ctx, pluginID); err != nil {
		return err
	}

	info, _ := rt.manager.Plugin(pluginID)
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", pluginID, info.Status)
	return nil
}
