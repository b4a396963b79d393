package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/threadsync/threadsync/internal/store"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "data",
	Short:   "Show local cache status",
	Long: `Display the state of the local cache without contacting the remote.

Shows:
  - Cache file location, size and last write
  - The user the cache belongs to
  - Entity counts per collection
  - Queued and dead-lettered remote operations`,
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		showDead, _ := cmd.Flags().GetBool("dead-letters")

		path := cfg.StorePath()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Printf("\n%s Local cache not initialized\n", renderWarn("⚠"))
			fmt.Printf("   Run 'threadsync run --owner <id>' to create it at %s\n\n", path)
			return
		}

		st, err := store.Open(path, &store.Options{Logger: logger})
		if err != nil {
			exitf("%v", err)
		}
		defer st.Close()

		stats, err := st.Stats()
		if err != nil {
			exitf("%v", err)
		}

		var dead []deadLetter
		if showDead {
			letters, err := st.DeadLetters()
			if err != nil {
				exitf("%v", err)
			}
			for _, d := range letters {
				dead = append(dead, deadLetter{
					ID: d.ID, Collection: d.Collection, Kind: d.Kind, EntityID: d.EntityID,
					Attempts: d.Attempts, LastError: d.LastError, FailedAt: d.FailedAt,
				})
			}
		}

		switch output {
		case "yaml":
			out := map[string]any{"stats": stats}
			if showDead {
				out["dead_letters"] = dead
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(out); err != nil {
				exitf("failed to encode yaml: %v", err)
			}
			_ = enc.Close()
			return
		case "json":
			out := map[string]any{"stats": stats}
			if showDead {
				out["dead_letters"] = dead
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				exitf("failed to encode json: %v", err)
			}
			return
		case "", "text":
		default:
			exitf("unknown output format %q (want text, yaml or json)", output)
		}

		user := stats.CurrentUser
		if user == "" {
			user = renderMuted("(signed out)")
		}

		fmt.Printf("\n%s\n", renderHeader("Local cache"))
		fmt.Printf("   File:      %s\n", stats.Path)
		fmt.Printf("   Size:      %s\n", humanize.Bytes(uint64(stats.SizeBytes)))
		if !stats.ModifiedAt.IsZero() {
			fmt.Printf("   Written:   %s\n", humanize.Time(stats.ModifiedAt))
		}
		fmt.Printf("   User:      %s\n", user)

		fmt.Printf("\n%s\n", renderHeader("Collections"))
		fmt.Printf("   Projects:  %s\n", humanize.Comma(int64(stats.Projects)))
		fmt.Printf("   Threads:   %s\n", humanize.Comma(int64(stats.Threads)))
		fmt.Printf("   Messages:  %s\n", humanize.Comma(int64(stats.Messages)))
		fmt.Printf("   Summaries: %s\n", humanize.Comma(int64(stats.Summaries)))
		fmt.Printf("   Artifacts: %s\n", humanize.Comma(int64(stats.Artifacts)))

		fmt.Printf("\n%s\n", renderHeader("Sync queue"))
		switch {
		case stats.PendingOps == 0:
			fmt.Printf("   %s nothing queued\n", renderPass("✓"))
		default:
			fmt.Printf("   %s %s operations waiting for the remote\n", renderWarn("⚠"), humanize.Comma(int64(stats.PendingOps)))
		}
		if stats.DeadLetters > 0 {
			fmt.Printf("   %s %s operations dead-lettered\n", renderFail("✗"), humanize.Comma(int64(stats.DeadLetters)))
		}
		for _, d := range dead {
			fmt.Printf("     %s %s %s/%s after %d attempts: %s\n",
				renderMuted(humanize.Time(d.FailedAt)), d.Kind, d.Collection, d.EntityID, d.Attempts, d.LastError)
		}
		fmt.Println()
	},
}

// deadLetter is the printable form of store.DeadLetter.
type deadLetter struct {
	ID         string    `json:"id" yaml:"id"`
	Collection string    `json:"collection" yaml:"collection"`
	Kind       string    `json:"kind" yaml:"kind"`
	EntityID   string    `json:"entity_id" yaml:"entity_id"`
	Attempts   int       `json:"attempts" yaml:"attempts"`
	LastError  string    `json:"last_error" yaml:"last_error"`
	FailedAt   time.Time `json:"failed_at" yaml:"failed_at"`
}

func init() {
	statusCmd.Flags().StringP("output", "o", "text", "output format: text, yaml or json")
	statusCmd.Flags().Bool("dead-letters", false, "list dead-lettered operations")

	rootCmd.AddCommand(statusCmd)
}
