package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/threadsync/threadsync/internal/engine"
	"github.com/threadsync/threadsync/internal/loadtest"
	"github.com/threadsync/threadsync/internal/logging"
	"github.com/threadsync/threadsync/internal/remote"
	"github.com/threadsync/threadsync/internal/syncer"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "sync",
	Short:   "Measure local write latency and queue drain time",
	Long: `Run concurrent writers against a throwaway engine backed by an in-memory
store and remote, then report local write latency percentiles and how long
the remote queue took to drain.

Example:
  threadsync loadtest --writers 50 --messages 40 --batch-size 5`,
	Run: func(cmd *cobra.Command, args []string) {
		writers, _ := cmd.Flags().GetInt("writers")
		messages, _ := cmd.Flags().GetInt("messages")
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		asJSON, _ := cmd.Flags().GetBool("json")

		mem := remote.NewMemory()
		eng, err := engine.New(&engine.Config{
			Remote: mem,
			Sync: &syncer.Config{
				BatchSize:     batchSize,
				BatchYield:    time.Millisecond,
				RetryInterval: cfg.Sync.RetryInterval,
			},
			Logger: logging.Nop(),
		})
		if err != nil {
			exitf("%v", err)
		}
		defer eng.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := eng.Start(ctx, "loadtest"); err != nil {
			exitf("%v", err)
		}

		res, err := loadtest.Run(ctx, eng, loadtest.Options{Writers: writers, Messages: messages, Seed: 42})
		if err != nil {
			exitf("load test failed: %v", err)
		}
		if err := loadtest.VerifyReplicated(ctx, eng, mem); err != nil {
			exitf("replication check failed: %v", err)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(res)
			return
		}
		res.Print(os.Stdout)
		fmt.Printf("%s every local record reached the remote\n", renderPass("✓"))
	},
}

func init() {
	loadtestCmd.Flags().Int("writers", 10, "concurrent conversations")
	loadtestCmd.Flags().Int("messages", 20, "messages per conversation")
	loadtestCmd.Flags().Int("batch-size", 3, "operations per remote batch")
	loadtestCmd.Flags().Bool("json", false, "print the result as JSON")

	rootCmd.AddCommand(loadtestCmd)
}
