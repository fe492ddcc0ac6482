// Command kotadb is the admin tool for a KotaDB data directory.
package main

import (
	"os"

	"github.com/jayminwest/kotadb/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args))
}
