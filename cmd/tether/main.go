// Command tether runs sandboxed JavaScript.
package main

import (
	"fmt"
	"os"

	"tether/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
