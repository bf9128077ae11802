// Command tillsync keeps a till's local ledger in sync with the shared
// remote store.
package main

import (
	"errors"
	"fmt"
	"os"

	_ "time/tzdata"

	"github.com/roach88/tillsync/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()

	// ExitErrors were already reported in the requested format.
	var exitErr *cli.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
