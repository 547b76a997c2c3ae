package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itskum47/FleetForge/control_plane/config"
	"github.com/itskum47/FleetForge/control_plane/dispatch"
	"github.com/itskum47/FleetForge/control_plane/logging"
	"github.com/itskum47/FleetForge/control_plane/streaming"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "fleetforge",
	Short:         "FleetForge - fleet management over a remote-execution control plane",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("FleetForge version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("FLEETFORGE_CONFIG"), "path to the YAML configuration file")

	execCmd.Flags().Duration("timeout", 0, "override the calculated timeout")
	serveCmd.Flags().String("listen", "", "override server.listen")

	keysCmd.AddCommand(keysListCmd, keysAcceptCmd, keysRejectCmd, keysDeleteCmd, keysRemoveCmd)
	rootCmd.AddCommand(serveCmd, discoverCmd, execCmd, keysCmd)
}

// setup loads the configuration and builds the application graph.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON, Output: os.Stderr})
	return newApp(ctx, cfg), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled workflows and serve health, metrics and run endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		listen := a.cfg.Server.Listen
		if l, _ := cmd.Flags().GetString("listen"); l != "" {
			listen = l
		}

		a.sched.Start(ctx)
		a.scheduleWorkflows(ctx)

		hub := NewRunHub()
		go hub.Run(ctx)
		sub, err := a.bus.Subscribe(streaming.TopicRuns, hub.Publish)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()

		api := NewAPI(a, hub)
		srv := &http.Server{
			Addr:              listen,
			Handler:           api.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		a.log.Info().Str("listen", listen).Int("workflows", len(a.cfg.Workflows)).Msg("FleetForge control plane listening")

		select {
		case <-ctx.Done():
			a.log.Info().Msg("shutting down")
		case err := <-errCh:
			return fmt.Errorf("http server: %w", err)
		}

		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("http server shutdown")
		}
		a.sched.Wait()
		return nil
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Ping every accepted node and print its status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.discovery.Discover(ctx)
		if err != nil {
			return err
		}
		return printJSON(snap)
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <target> <function> [args...]",
	Short: "Run a function against a target expression",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		res, err := a.dispatcher.Execute(ctx, dispatch.Request{
			Target:   args[0],
			Function: args[1],
			Args:     args[2:],
			Timeout:  timeout,
		})
		if err != nil {
			return err
		}
		fmt.Println(res.Output.Text)
		if !res.Success {
			return fmt.Errorf("%s on %s failed", args[1], args[0])
		}
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage node registration keys",
}

// keysAction wraps a key command body with setup and JSON output.
func keysAction(fn func(ctx context.Context, a *app, args []string) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := fn(ctx, a, args)
		if err != nil {
			return err
		}
		return printJSON(out)
	}
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys by registration state",
	RunE: keysAction(func(ctx context.Context, a *app, args []string) (any, error) {
		return a.keys.ListAll(ctx)
	}),
}

var keysAcceptCmd = &cobra.Command{
	Use:   "accept <node-id> <fingerprint>",
	Short: "Accept a pending key after checking its fingerprint",
	Args:  cobra.ExactArgs(2),
	RunE: keysAction(func(ctx context.Context, a *app, args []string) (any, error) {
		return a.keys.AcceptWithVerification(ctx, args[0], args[1])
	}),
}

var keysRejectCmd = &cobra.Command{
	Use:   "reject <node-id>",
	Short: "Reject a pending key",
	Args:  cobra.ExactArgs(1),
	RunE: keysAction(func(ctx context.Context, a *app, args []string) (any, error) {
		return a.keys.Reject(ctx, args[0])
	}),
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <node-id>",
	Short: "Delete an accepted key",
	Args:  cobra.ExactArgs(1),
	RunE: keysAction(func(ctx context.Context, a *app, args []string) (any, error) {
		return a.keys.Delete(ctx, args[0])
	}),
}

var keysRemoveCmd = &cobra.Command{
	Use:   "remove <node-id>",
	Short: "Uninstall the agent if reachable, then delete its key",
	Args:  cobra.ExactArgs(1),
	RunE: keysAction(func(ctx context.Context, a *app, args []string) (any, error) {
		return a.keys.RemoveCompletely(ctx, args[0])
	}),
}
