package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newInvokeCmd(rootFlags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoke <plugin> <export> [payload-json]",
		Short: "Invoke an exported backend function of a plugin",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte("{}")
			if len(args) == 3 {
				payload = []byte(args[2])
				if !json.Valid(payload) {
					return fmt.Errorf("payload is not valid JSON")
				}
			}
			return runInvoke(cmd, rootFlags, args[0], args[1], payload)
		},
	}

	return cmd
}

func runInvoke(cmd *cobra.Command, rootFlags *rootFlags, pluginID, export string, payload []byte) error {
	ctx := cmd.Context()
	rt, err := newRuntime(rootFlags)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	if err := rt.loadPlugins(ctx); err != nil {
		return err
	}

	out, err := rt.manager.Invoke(ctx, pluginID, export, payload)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
