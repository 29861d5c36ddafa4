package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"nald_import/internal/importer"
	"nald_import/internal/nald"
	"nald_import/internal/notify"
	"nald_import/internal/pipeline"
	"nald_import/internal/scheduler"
	"nald_import/migrations"
	"nald_import/platform/db"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		results, err := db.RunMigrations(cmd.Context(), e.pool, migrations.FS)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("no pending migrations")
		}
		for _, r := range results {
			fmt.Printf("applied %d %s (%s)\n", r.Version, r.Source, r.Duration)
		}
		return nil
	},
}

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List the stages of the import graph",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		graph, _, _, err := e.graph(nil, notify.Nop{})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tFAN-OUT\tNEXT\tSCHEDULE")
		for _, s := range graph.Stages() {
			fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", s.Name, s.FanOut, strings.Join(s.Next, ","), s.Schedule)
		}
		return w.Flush()
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <stage> [param]",
	Short: "Publish one stage job to the shared queue",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		orch, closeQueue, err := e.publisher()
		if err != nil {
			return err
		}
		defer closeQueue()

		param := ""
		if len(args) == 2 {
			param = args[1]
		}
		job, err := orch.Trigger(cmd.Context(), args[0], param)
		if errors.Is(err, pipeline.ErrDuplicateJob) {
			fmt.Printf("%s already queued or running\n", job.SingletonKey)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("queued %s (job %s)\n", job.SingletonKey, job.ID)
		return nil
	},
}

var deleteQueueCmd = &cobra.Command{
	Use:   "delete-queue <stage>",
	Short: "Drop the pending jobs of a stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		orch, closeQueue, err := e.publisher()
		if err != nil {
			return err
		}
		defer closeQueue()

		if err := orch.DeleteQueue(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted queue %s\n", args[0])
		return nil
	},
}

var (
	runsStage string
	runsLimit int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded stage runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		_, _, loader, err := e.graph(nil, notify.Nop{})
		if err != nil {
			return err
		}
		runs, err := loader.RecentRuns(cmd.Context(), runsStage, runsLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FINISHED\tSINGLETON KEY\tATTEMPT\tRESULT\tPROCESSED\tSKIPPED\tELAPSED")
		for _, r := range runs {
			result := "ok"
			switch {
			case !r.Succeeded:
				result = "failed"
			case r.Halted:
				result = "halted"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%s\n",
				r.FinishedAt.Format(time.RFC3339), r.SingletonKey, r.Attempt, result,
				r.Processed, r.Skipped, time.Duration(r.ElapsedMs)*time.Millisecond)
		}
		return w.Flush()
	},
}

var runForce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the whole import in-process without the shared queue",
	Long: `run executes every stage in this process on an in-memory queue and waits
for the cascade to drain. Runs are recorded like worker runs. With --force
the snapshot check is skipped and an unchanged extract is imported again.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		var probe importer.SnapshotSource
		if !runForce {
			snapshots, err := nald.NewSnapshotProbe(e.cfg)
			if err != nil {
				return err
			}
			if snapshots != nil {
				probe = snapshots
			}
		}

		notifier := notify.NewLogNotifier(e.log)
		graph, imp, loader, err := e.graph(probe, notifier)
		if err != nil {
			return err
		}

		queue := pipeline.NewMemoryQueue(e.log)
		defer queue.Close()
		orch := pipeline.NewOrchestrator(graph, queue, notifier, pipeline.SettingsFrom(e.cfg), e.log)
		orch.SetRunRecorder(loader)
		orch.OnFailure(imp.InvalidateSnapshot)
		if err := orch.Register(); err != nil {
			return err
		}

		started := time.Now()
		if err := orch.TriggerRoots(cmd.Context()); err != nil {
			return err
		}
		queue.Wait()

		var succeeded, failed, skipped int
		for _, run := range orch.Tracker().Snapshot() {
			switch run.State {
			case pipeline.StateSucceeded:
				succeeded++
			case pipeline.StateFailed:
				failed++
			}
			skipped += run.Skipped
		}
		fmt.Printf("import finished in %s: %d jobs succeeded, %d failed, %d entities skipped\n",
			time.Since(started).Round(time.Millisecond), succeeded, failed, skipped)
		if failed > 0 {
			return fmt.Errorf("%d import jobs failed", failed)
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsStage, "stage", "", "only list runs of this stage")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum number of runs")
	runCmd.Flags().BoolVar(&runForce, "force", false, "import even if the snapshot is unchanged")
}

// publisher returns an orchestrator that only publishes to the shared queue.
func (e *env) publisher() (*pipeline.Orchestrator, func(), error) {
	queue, err := scheduler.NewQueue(e.cfg, e.log)
	if err != nil {
		return nil, nil, err
	}
	graph, _, _, err := e.graph(nil, notify.Nop{})
	if err != nil {
		_ = queue.Close()
		return nil, nil, err
	}
	orch := pipeline.NewOrchestrator(graph, queue, notify.Nop{}, pipeline.SettingsFrom(e.cfg), e.log)
	return orch, func() { _ = queue.Close() }, nil
}
