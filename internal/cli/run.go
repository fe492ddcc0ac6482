// Package cli implements the kotadb admin binary: a thin shell over the
// public pkg/kotadb API for initializing, inspecting, and querying a data
// directory. The servers proper live outside this repository; this tool
// exists so an operator can poke a database without them.
package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/jayminwest/kotadb/pkg/kotadb"
)

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitBadUsage = 2
)

// Run is the entry point. Returns the process exit code.
func Run(in io.Reader, out, errOut io.Writer, args []string) int {
	if len(args) < 2 {
		printUsage(out)

		return exitOK
	}

	cmd := args[1]
	rest := args[2:]

	var err error

	switch cmd {
	case "init":
		err = runInit(out, rest)
	case "insert":
		err = runInsert(in, out, rest)
	case "get":
		err = runGet(out, rest)
	case "search":
		err = runSearch(out, rest)
	case "stats":
		err = runStats(out, rest)
	case "shell":
		err = runShell(out, rest)
	case "help", "--help", "-h":
		printUsage(out)

		return exitOK
	default:
		fmt.Fprintf(errOut, "unknown command %q\n", cmd)
		printUsage(errOut)

		return exitBadUsage
	}

	if err != nil {
		color.New(color.FgRed, color.Bold).Fprint(errOut, "error: ")
		fmt.Fprintln(errOut, err)

		return exitError
	}

	return exitOK
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `kotadb - embedded document database admin tool

Usage:
  kotadb <command> [flags]

Commands:
  init     create an empty database in a data directory
  insert   insert a document from a file or stdin
  get      fetch a document by id
  search   run a query (text, path, or glob)
  stats    print document and index counts
  shell    interactive search prompt

Common flags:
  --data-dir string   data directory (default ".kotadb")
  --config string     JSONC config file (overrides --data-dir)
  --json              machine-readable output
`)
}

// openFromFlags loads the config file when given, otherwise defaults
// rooted at dataDir, and opens the database.
func openFromFlags(dataDir, configPath string, readOnly bool) (*kotadb.DB, error) {
	var (
		cfg kotadb.Config
		err error
	)

	if configPath != "" {
		cfg, err = kotadb.LoadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = kotadb.DefaultConfig(dataDir)
	}

	cfg.ReadOnly = cfg.ReadOnly || readOnly

	return kotadb.Open(cfg)
}
