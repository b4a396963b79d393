package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/threadsync/threadsync/internal/store"
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "data",
	Short:   "Export the local cache as JSONL",
	Long: `Write every cached collection as JSONL, one {"collection","record"} object
per line, to file or stdout. The sync queue is not exported.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := store.Open(cfg.StorePath(), &store.Options{Logger: logger})
		if err != nil {
			exitf("%v", err)
		}
		defer st.Close()

		var w io.Writer = os.Stdout
		var f *os.File
		if len(args) == 1 && args[0] != "-" {
			f, err = os.Create(args[0])
			if err != nil {
				exitf("failed to create %s: %v", args[0], err)
			}
			w = f
		}
		bw := bufio.NewWriter(w)

		n, err := st.Export(bw)
		if err == nil {
			err = bw.Flush()
		}
		if f != nil {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}
		if err != nil {
			exitf("export failed: %v", err)
		}
		if f != nil {
			fmt.Fprintf(os.Stderr, "%s Exported %d records to %s\n", renderPass("✓"), n, args[0])
		}
	},
}

var importCmd = &cobra.Command{
	Use:     "import [file]",
	GroupID: "data",
	Short:   "Import a JSONL export into the local cache",
	Long: `Merge records from a JSONL export (file or stdin) into the local cache.
Records replace cached ones with the same id; invalid lines are skipped and
reported. Imported records are not queued for the remote.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var r io.Reader = os.Stdin
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				exitf("failed to open %s: %v", args[0], err)
			}
			defer f.Close()
			r = f
		}

		st, err := store.Open(cfg.StorePath(), &store.Options{Logger: logger})
		if err != nil {
			exitf("%v", err)
		}
		defer st.Close()

		res, err := st.Import(r)
		if err != nil {
			exitf("import failed: %v", err)
		}

		fmt.Printf("%s Imported %d projects, %d threads, %d messages, %d summaries, %d artifacts\n",
			renderPass("✓"), res.Projects, res.Threads, res.Messages, res.Summaries, res.Artifacts)
		if res.Skipped > 0 {
			fmt.Printf("%s Skipped %d records\n", renderWarn("⚠"), res.Skipped)
			for _, e := range res.Errors {
				fmt.Printf("   %s\n", renderMuted(e))
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
