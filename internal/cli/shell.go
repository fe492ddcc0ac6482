package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"
)

// runShell is an interactive search prompt: every line is routed through
// the query layer exactly like an API search; ":stats" and ":quit" are the
// only shell-side verbs.
func runShell(out io.Writer, args []string) error {
	fs := pflag.NewFlagSet("shell", pflag.ContinueOnError)
	dataDir, configPath, _ := commonFlags(fs)
	limit := fs.Int("limit", 10, "maximum results per query")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	db, err := openFromFlags(*dataDir, *configPath, true)
	if err != nil {
		return err
	}

	defer db.Close()

	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)

	fmt.Fprintln(out, `kotadb shell - enter a query, ":stats", or ":quit"`)

	for {
		input, readErr := line.Prompt("kotadb> ")
		if readErr != nil {
			if errors.Is(readErr, liner.ErrPromptAborted) || errors.Is(readErr, io.EOF) {
				return nil
			}

			return readErr
		}

		query := strings.TrimSpace(input)
		if query == "" {
			continue
		}

		line.AppendHistory(query)

		switch query {
		case ":quit", ":q", ":exit":
			return nil
		case ":stats":
			stats, statsErr := db.Stats(context.Background())
			if statsErr != nil {
				fmt.Fprintln(out, "error:", statsErr)

				continue
			}

			fmt.Fprintf(out, "documents=%d bytes=%d path_keys=%d fts=%d\n",
				stats.DocCount, stats.TotalBytes, stats.PathKeys, stats.IndexedFTS)

			continue
		}

		results, searchErr := db.Search(context.Background(), query, *limit, 0)
		if searchErr != nil {
			fmt.Fprintln(out, "error:", searchErr)

			continue
		}

		printResults(out, results)
	}
}
