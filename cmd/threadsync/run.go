package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/threadsync/threadsync/internal/dashboard"
	"github.com/threadsync/threadsync/internal/engine"
	"github.com/threadsync/threadsync/internal/metrics"
	"github.com/threadsync/threadsync/internal/remote"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the sync engine for one user",
	Long: `Start the engine for --owner and keep it running until interrupted.

The engine pulls the owner's collections, subscribes to the remote change
feed and drains the persisted queue. With --dashboard (or dashboard.enabled)
every change bus event is pushed to websocket clients:

  ws://127.0.0.1:8787/ws     event stream
  http://127.0.0.1:8787/health
  http://127.0.0.1:8787/metrics

With --serve-remote and no remote.url, an in-memory document store is
served over HTTP at the given address so other processes can sync against
it. Useful for local development.`,
	Run: func(cmd *cobra.Command, args []string) {
		owner, _ := cmd.Flags().GetString("owner")
		serveRemote, _ := cmd.Flags().GetString("serve-remote")
		if cmd.Flags().Changed("dashboard") {
			cfg.Dashboard.Enabled, _ = cmd.Flags().GetBool("dashboard")
		}
		if owner == "" {
			exitf("--owner is required")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		m := metrics.New()

		var remoteSrv *http.Server
		if serveRemote != "" {
			if cfg.Remote.URL != "" {
				exitf("--serve-remote cannot be combined with remote.url")
			}
			mem := remote.NewMemory()
			srv, err := serve(serveRemote, remote.NewServer(mem, &remote.ServerConfig{Token: cfg.Remote.Token, Logger: logger}).Handler())
			if err != nil {
				exitf("%v", err)
			}
			remoteSrv = srv
			cfg.Remote.URL = "http://" + srv.Addr
			fmt.Printf("%s Remote store served at %s\n", renderAccent("→"), cfg.Remote.URL)
		}

		eng, err := engine.FromConfig(ctx, cfg, logger, m)
		if err != nil {
			exitf("%v", err)
		}
		defer eng.Close()

		if err := eng.Start(ctx, owner); err != nil {
			exitf("failed to start engine: %v", err)
		}
		fmt.Printf("%s Engine running for %s (tab %s)\n", renderPass("✓"), owner, renderMuted(eng.TabID()))

		var dash *dashboard.Server
		if cfg.Dashboard.Enabled {
			dash = dashboard.NewServer(eng, &dashboard.Config{Addr: cfg.Dashboard.Addr, Logger: logger, Metrics: m})
			handler := dashboard.NewHandler(dash, eng.Bus(), logger)
			handler.Attach()
			defer handler.Detach()
			if err := dash.Start(); err != nil {
				exitf("failed to start dashboard: %v", err)
			}
			fmt.Printf("%s Dashboard at ws://%s/ws\n", renderAccent("→"), dash.Addr())
		}

		fmt.Println(renderMuted("Press Ctrl+C to stop..."))
		<-ctx.Done()
		fmt.Println("\nShutting down...")

		if dash != nil {
			if err := dash.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", renderWarn("⚠"), err)
			}
		}

		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFlush()
		if err := eng.Flush(flushCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s %d operations left queued: %v\n", renderWarn("⚠"), eng.Pending(), err)
		}
		eng.Stop()

		if remoteSrv != nil {
			_ = remoteSrv.Shutdown(flushCtx)
		}
		fmt.Println("Stopped")
	},
}

// serve listens on addr and serves h in the background. The returned
// server's Addr is the resolved listening address.
func serve(addr string, h http.Handler) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{Addr: ln.Addr().String(), Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("remote server failed", "error", err)
		}
	}()
	return srv, nil
}

func init() {
	runCmd.Flags().String("owner", "", "user id to sync for (required)")
	runCmd.Flags().String("serve-remote", "", "serve an in-memory remote store on this address")
	runCmd.Flags().Bool("dashboard", false, "serve the websocket event dashboard")

	rootCmd.AddCommand(runCmd)
}
