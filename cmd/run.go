package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mfields/calder/internal/bus"
	"github.com/mfields/calder/internal/telemetry"
	"github.com/mfields/calder/internal/workflow"
)

var runQuiet bool

var runCmd = &cobra.Command{
	Use:   "run <workflow-file>",
	Short: "Execute one workflow file to completion",
	Long:  `Runs a workflow definition (JSON or YAML) and streams its telemetry to stdout as JSON lines. Exits non-zero when the run fails.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflow,
}

func init() {
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false,
		"suppress telemetry output, report only the terminal status")
	rootCmd.AddCommand(runCmd)
}

func runWorkflow(_ *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanup := initRuntime(ctx)
	defer cleanup()

	loader := workflow.NewLoader()
	b := bus.New(cfg, newRegistry(), loader)
	defer b.Shutdown()

	run, err := b.RunFile(ctx, args[0])
	if err != nil {
		return err
	}

	events := run.Stream.Subscribe(ctx)
	enc := json.NewEncoder(os.Stdout)

	// An interrupt cancels the run; the scheduler still emits run:end, so
	// the event loop below drains naturally.
	go func() {
		<-ctx.Done()
		_ = b.Stop(run.ID)
	}()

	for ev := range events {
		if runQuiet {
			continue
		}
		if err := enc.Encode(ev.Payload); err != nil {
			break
		}
	}

	<-run.Done()
	end := run.End()
	if end.Status != telemetry.RunCompleted {
		return fmt.Errorf("run %s: %s", end.Status, end.Error)
	}
	return nil
}
