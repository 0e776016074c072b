package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mfields/calder/internal/bus"
	"github.com/mfields/calder/internal/hotkey"
	"github.com/mfields/calder/internal/log"
	"github.com/mfields/calder/internal/workflow"
)

var (
	serveNoHotkeys bool
	serveWorkflow  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine daemon",
	Long:  `Starts the backend control channel and, unless disabled, the global hotkey bridge. Observers connect over websocket to start runs, receive telemetry, and answer rendezvous requests.`,
	RunE:  serve,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoHotkeys, "no-hotkeys", false,
		"do not register global hotkeys")
	serveCmd.Flags().StringVar(&serveWorkflow, "workflow", "",
		"workflow file to bind to the run hotkey at startup")
	rootCmd.AddCommand(serveCmd)
}

func serve(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanup := initRuntime(ctx)
	defer cleanup()

	loader := workflow.NewLoader()
	b := bus.New(cfg, newRegistry(), loader)
	defer b.Shutdown()

	if serveWorkflow != "" {
		if err := b.SetCurrentWorkflow(serveWorkflow); err != nil {
			return err
		}
	}

	// The control channel is the daemon's reason to exist: failing to bind
	// its port is fatal, with a distinct exit code so supervisors can tell
	// it from a config problem.
	addr := cfg.Backend.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "calder: binding %s: %v\n", addr, err)
		os.Exit(2)
	}

	hub := bus.NewHub(b)
	srv := &http.Server{Handler: hub.Routes()}
	log.SafeGo("control-channel", func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.ErrorErr(log.CatBus, "control channel stopped", err)
		}
	})
	log.Info(log.CatBus, "control channel listening", "addr", addr)

	if !serveNoHotkeys {
		listener := hotkey.NewGlobal(hotkey.BindingsFromConfig(cfg.Hotkeys))
		if err := listener.Start(ctx); err != nil {
			log.Warn(log.CatHotkey, "hotkey bridge unavailable", "error", err)
		} else {
			defer listener.Close()
			log.SafeGo("hotkey-bridge", func() { b.ServeHotkeys(ctx, listener) })
		}
	}

	<-ctx.Done()
	log.Info(log.CatBus, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
