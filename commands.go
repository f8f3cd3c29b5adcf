package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/evita-erp/offline-sync/connectivity"
	"github.com/evita-erp/offline-sync/queue"
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending and dead-lettered operations per store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.close()

			storeIDs := []string{env.storeID(cmd)}
			if !cmd.Flags().Changed("store") {
				if storeIDs, err = env.storage.ListStores(cmd.Context()); err != nil {
					return err
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STORE\tPENDING\tDEAD\tOLDEST")
			for _, storeID := range storeIDs {
				q := queue.New(env.storage, storeID, env.queueOptions(nil))
				items := q.GetQueue(cmd.Context())
				oldest := "-"
				if len(items) > 0 {
					oldest = items[0].EnqueuedAt().Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", storeID, len(items), len(q.DeadLetters(cmd.Context())), oldest)
			}
			return w.Flush()
		},
	}
}

func newReplayCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a store's queue once against the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.close()

			replay, err := newReplayBackend(cmd.Context(), env.config, env.logger)
			if err != nil {
				return err
			}
			defer replay.close()

			signal := connectivity.NewManual(true)
			if !force {
				prober := connectivity.NewProber(replay.probe, env.config.ProbeInterval, env.logger)
				signal.SetOnline(prober.Probe(cmd.Context()))
			}
			q := queue.New(env.storage, env.storeID(cmd), env.queueOptions(nil))
			result, err := queue.NewSyncer(q, signal, replay.executor, queue.SyncOptions{Logger: env.logger}).TrySync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d, remaining %d, dead-lettered %d, pending %d\n",
				result.Processed, result.Remaining, result.DeadLettered, result.Pending)
			if result.Failures != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), result.Failures)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the backend health probe")
	return cmd
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Append operations from a browser queue dump (JSON array, - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.close()

			items, err := readDump(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			q := queue.New(env.storage, env.storeID(cmd), env.queueOptions(nil))
			added, err := q.Import(cmd.Context(), items)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d operations\n", added, len(items))
			return nil
		},
	}
}

func readDump(stdin io.Reader, path string) ([]queue.QueuedOperation, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var items []queue.QueuedOperation
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("failed to decode queue dump: %w", err)
	}
	for i, item := range items {
		if _, err := item.Operation(); err != nil {
			return nil, fmt.Errorf("operation %d (%s): %w", i, item.ID, err)
		}
	}
	return items, nil
}

func newClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every pending operation of a store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.close()

			q := queue.New(env.storage, env.storeID(cmd), env.queueOptions(nil))
			dropped := len(q.GetQueue(cmd.Context()))
			if err := q.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d operations\n", dropped)
			return nil
		},
	}
}

func newRequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue",
		Short: "Move dead-lettered operations back to the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.close()

			q := queue.New(env.storage, env.storeID(cmd), env.queueOptions(nil))
			requeued, err := q.RequeueDeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d operations\n", requeued)
			return nil
		},
	}
}
