// Command convsync inspects and maintains a conversation sync client's
// local store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/convsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "convsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
