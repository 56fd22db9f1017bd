package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/modulaur/modulaur/internal/record"
)

func newRecordsCmd(rootFlags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect and maintain the staged record store",
	}

	cmd.AddCommand(newRecordsListCmd(rootFlags))
	cmd.AddCommand(newRecordsCountCmd(rootFlags))
	cmd.AddCommand(newRecordsPruneCmd(rootFlags))

	return cmd
}

func newRecordsListCmd(rootFlags *rootFlags) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "list <record-type>",
		Short: "List staged records of a type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(rootFlags)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			var records []record.StagedRecord
			if source != "" {
				records, err = rt.store.ListBySource(cmd.Context(), source)
				if err == nil {
					records = filterByType(records, args[0])
				}
			} else {
				records, err = rt.store.ListByType(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(records, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Only records from this source")

	return cmd
}

func filterByType(records []record.StagedRecord, recordType string) []record.StagedRecord {
	out := records[:0]
	for _, rec := range records {
		if rec.RecordType == recordType {
			out = append(out, rec)
		}
	}
	return out
}

func newRecordsCountCmd(rootFlags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Count all staged records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(rootFlags)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			n, err := rt.store.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func newRecordsPruneCmd(rootFlags *rootFlags) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete records older than a given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			rt, err := newRuntime(rootFlags)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			n, err := rt.store.PruneOlderThan(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d records\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Age threshold (e.g. 72h)")

	return cmd
}
