package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/threadsync/threadsync/internal/schema"
	"github.com/threadsync/threadsync/internal/store"
)

var threadsCmd = &cobra.Command{
	Use:     "threads",
	GroupID: "data",
	Short:   "List cached threads",
	Long: `List threads in the local cache in display order: pinned first, then by
most recent message.

--since accepts natural language as well as RFC 3339 timestamps:
  threadsync threads --since yesterday
  threadsync threads --since "last monday"
  threadsync threads --since "3 days ago"`,
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetString("since")
		project, _ := cmd.Flags().GetString("project")
		limit, _ := cmd.Flags().GetInt("limit")

		var cutoff time.Time
		if since != "" {
			t, err := parseSince(since, time.Now())
			if err != nil {
				exitf("%v", err)
			}
			cutoff = t
		}

		st, err := store.Open(cfg.StorePath(), &store.Options{Logger: logger})
		if err != nil {
			exitf("%v", err)
		}
		defer st.Close()

		var threads []schema.Thread
		if project != "" {
			threads = st.ThreadsByProject(project)
		} else {
			threads = st.Threads()
		}
		threads = filterSince(threads, cutoff)
		if limit > 0 && len(threads) > limit {
			threads = threads[:limit]
		}

		if len(threads) == 0 {
			fmt.Println(renderMuted("No threads"))
			return
		}
		for _, t := range threads {
			marker := " "
			if t.IsPinned {
				marker = renderAccent("*")
			}
			title := t.Title
			if title == "" {
				title = renderMuted("(untitled)")
			}
			var extra []string
			if len(t.Tags) > 0 {
				extra = append(extra, "#"+strings.Join(t.Tags, " #"))
			}
			if t.IsBranched {
				extra = append(extra, "branch")
			}
			fmt.Fprintf(os.Stdout, "%s %s  %s  %d msgs  %s %s\n",
				marker,
				renderMuted(t.ID),
				title,
				len(st.Messages(t.ID)),
				renderMuted(humanize.Time(t.LastMessageAt)),
				renderMuted(strings.Join(extra, ", ")),
			)
		}
	},
}

// parseSince reads an RFC 3339 timestamp or a natural-language reference
// relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", s)
	}
	return r.Time, nil
}

// filterSince keeps threads with a message at or after cutoff, preserving
// order. A zero cutoff keeps everything.
func filterSince(threads []schema.Thread, cutoff time.Time) []schema.Thread {
	if cutoff.IsZero() {
		return threads
	}
	out := threads[:0:0]
	for _, t := range threads {
		if !t.LastMessageAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func init() {
	threadsCmd.Flags().String("since", "", "only threads active since this time (e.g. \"yesterday\", \"2 hours ago\")")
	threadsCmd.Flags().String("project", "", "only threads in this project")
	threadsCmd.Flags().IntP("limit", "n", 0, "show at most this many threads")

	rootCmd.AddCommand(threadsCmd)
}
