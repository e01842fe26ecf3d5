// Command keyhole is the CLI for the keyhole embedded key/value store.
package main

import (
	"os"

	"github.com/keyholedb/keyhole/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
