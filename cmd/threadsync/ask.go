package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/threadsync/threadsync/internal/bus"
	"github.com/threadsync/threadsync/internal/engine"
	"github.com/threadsync/threadsync/internal/syncer"
)

var askCmd = &cobra.Command{
	Use:     "ask <prompt>",
	GroupID: "sync",
	Short:   "Ask a question in a thread and stream the answer",
	Long: `Store the prompt as a user message, stream the assistant's answer to stdout
and store it as an assistant message. Other tabs sharing the streaming
channel see the answer as it is generated.

Requires an Anthropic API key (completion.api_key or ANTHROPIC_API_KEY).

Examples:
  threadsync ask --owner u1 --thread <id> "Summarize our plan"
  threadsync ask --owner u1 --new "Trip ideas" "Where should I go in May?"`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		owner, _ := cmd.Flags().GetString("owner")
		threadID, _ := cmd.Flags().GetString("thread")
		newTitle, _ := cmd.Flags().GetString("new")
		if owner == "" {
			exitf("--owner is required")
		}
		if (threadID == "") == (newTitle == "") {
			exitf("exactly one of --thread or --new is required")
		}
		if cfg.Completion.APIKey == "" {
			exitf("no API key configured (set ANTHROPIC_API_KEY or completion.api_key)")
		}
		prompt := strings.Join(args, " ")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		eng, err := engine.FromConfig(ctx, cfg, logger, nil)
		if err != nil {
			exitf("%v", err)
		}
		defer eng.Close()
		if err := eng.Start(ctx, owner); err != nil {
			exitf("failed to start engine: %v", err)
		}

		if newTitle != "" {
			t, err := eng.CreateThread(syncer.ThreadParams{Title: newTitle})
			if err != nil {
				exitf("%v", err)
			}
			threadID = t.ID
			fmt.Fprintf(os.Stderr, "%s New thread %s\n", renderAccent("→"), renderMuted(threadID))
		}

		var mu sync.Mutex
		printed := 0
		unsubscribe := eng.SubscribeThreadStreams(threadID, func(st bus.StreamState) {
			mu.Lock()
			defer mu.Unlock()
			if len(st.Text) > printed {
				fmt.Print(st.Text[printed:])
				printed = len(st.Text)
			}
		})
		reply, askErr := eng.Ask(ctx, threadID, prompt)
		unsubscribe()
		fmt.Println()

		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelFlush()
		if err := eng.Flush(flushCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s %d operations left queued: %v\n", renderWarn("⚠"), eng.Pending(), err)
		}

		if askErr != nil {
			exitf("%v", askErr)
		}
		fmt.Fprintf(os.Stderr, "%s Stored reply %s\n", renderPass("✓"), renderMuted(reply.ID))
	},
}

func init() {
	askCmd.Flags().String("owner", "", "user id (required)")
	askCmd.Flags().String("thread", "", "thread to ask in")
	askCmd.Flags().String("new", "", "create a thread with this title and ask in it")

	rootCmd.AddCommand(askCmd)
}
