package main

import (
	"fmt"

	"loom/pkg/oplog"
	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "loom status" subcommand.
func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status <worker-id>",
		Short: "Derive a worker's status from its journal",
		Long:  "Reads the journal tail and reports what a recovering node would\nconclude: the worker's status, version and any in-flight invocation.",
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

			entries, committed, err := readJournal(cmd.Context(), cfg, worker, protocol.FirstOplogIndex, 1<<40)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("worker %s has no journal on this node", worker)
			}

			summary := summarize(entries)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "worker:    %s\n", worker)
			fmt.Fprintf(out, "status:    %s\n", summary.status)
			fmt.Fprintf(out, "version:   %d\n", summary.version)
			fmt.Fprintf(out, "tail:      %d\n", entries[len(entries)-1].Index)
			fmt.Fprintf(out, "committed: %d\n", committed)
			if summary.pending != "" {
				fmt.Fprintf(out, "in-flight: %s (key=%s, failed attempts=%d)\n",
					summary.pending, summary.pendingKey, summary.attempts)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "loom.yaml", "path to the node configuration file")
	return cmd
}

type journalSummary struct {
	status     protocol.WorkerStatus
	version    uint64
	pending    string
	pendingKey protocol.IdempotencyKey
	attempts   int
}

// summarize replays the journal's control entries the way recovery does,
// without touching an instance.
func summarize(entries []oplog.Indexed) journalSummary {
	var s journalSummary
	var interrupted, failed bool

	for _, rec := range entries {
		e := rec.Entry
		switch e.Kind {
		case protocol.EntryCreate:
			s.version = e.ComponentVersion
		case protocol.EntrySuccessfulUpdate:
			s.version = e.TargetVersion
		case protocol.EntryExportedInvoked:
			s.pending = e.FunctionName
			s.pendingKey = e.IdempotencyKey
			s.attempts = 0
			interrupted, failed = false, false
		case protocol.EntryExportedCompleted:
			s.pending = ""
			s.pendingKey = ""
			s.attempts = 0
			interrupted, failed = false, false
		case protocol.EntryError:
			s.attempts = e.Attempt + 1
			failed = !e.Retryable
		case protocol.EntryInterrupted:
			interrupted = true
		case protocol.EntryExited:
			s.status = protocol.StatusExited
			s.pending = ""
			return s
		}
	}

	switch {
	case failed:
		s.status = protocol.StatusFailed
	case interrupted:
		s.status = protocol.StatusInterrupted
	case s.pending != "":
		s.status = protocol.StatusRunning
	default:
		s.status = protocol.StatusIdle
	}
	return s
}
