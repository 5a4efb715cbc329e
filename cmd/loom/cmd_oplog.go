package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

// newOplogCmd creates the "loom oplog" subcommand.
func newOplogCmd() *cobra.Command {
	var (
		configPath string
		from       uint64
		to         uint64
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "oplog <worker-id>",
		Short: "Dump a worker's journal",
		Long:  "Reads a worker's oplog entries from the journal store and prints\nthem in order. Worker ids have the form component/name.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, err := protocol.ParseWorkerID(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}

			entries, committed, err := readJournal(cmd.Context(), cfg, worker,
				protocol.OplogIndex(from), protocol.OplogIndex(to))
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("worker %s has no journal entries in range", worker)
			}

			out := cmd.OutOrStdout()
			for _, rec := range entries {
				if asJSON {
					line, err := json.Marshal(map[string]any{
						"index":     rec.Index,
						"entry":     rec.Entry,
						"committed": rec.Index <= committed,
					})
					if err != nil {
						return fmt.Errorf("encode entry %d: %w", rec.Index, err)
					}
					fmt.Fprintln(out, string(line))
					continue
				}
				marker := ""
				if rec.Index > committed {
					marker = " (uncommitted)"
				}
				fmt.Fprintf(out, "%6d  %-28s %s%s\n", rec.Index, rec.Entry.Kind, describeEntry(rec.Entry), marker)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "loom.yaml", "path to the node configuration file")
	cmd.Flags().Uint64Var(&from, "from", uint64(protocol.FirstOplogIndex), "first index to print")
	cmd.Flags().Uint64Var(&to, "to", 1<<40, "last index to print")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw entries as JSON lines")
	return cmd
}

// describeEntry renders the variant fields an operator cares about.
func describeEntry(e *protocol.OplogEntry) string {
	var parts []string
	if e.FunctionName != "" {
		parts = append(parts, e.FunctionName)
	}
	if e.FunctionType != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.FunctionType))
	}
	if e.IdempotencyKey != "" {
		parts = append(parts, fmt.Sprintf("key=%s", e.IdempotencyKey))
	}
	if e.TrapMessage != "" {
		parts = append(parts, fmt.Sprintf("trap=%q attempt=%d retryable=%v", e.TrapMessage, e.Attempt, e.Retryable))
	}
	if e.ConsumedFuel > 0 {
		parts = append(parts, fmt.Sprintf("fuel=%d", e.ConsumedFuel))
	}
	if e.Region != nil {
		parts = append(parts, fmt.Sprintf("region=%d..%d", e.Region.Start, e.Region.End))
	}
	if e.TargetVersion > 0 {
		parts = append(parts, fmt.Sprintf("target=%d", e.TargetVersion))
	}
	if e.ComponentVersion > 0 {
		parts = append(parts, fmt.Sprintf("version=%d", e.ComponentVersion))
	}
	if e.Snapshot != nil {
		parts = append(parts, fmt.Sprintf("snapshot=%s/%s", e.Snapshot.Namespace, e.Snapshot.Path))
	}
	if resp := e.Response; resp != nil && resp.Offloaded() {
		parts = append(parts, fmt.Sprintf("offloaded=%s (%d bytes)", resp.Blob.Path, resp.Blob.Size))
	}
	if !e.Timestamp.IsZero() {
		parts = append(parts, e.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	}
	return strings.Join(parts, " ")
}
