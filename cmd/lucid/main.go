// Command lucid watches sites for silent outages and remediates them.
package main

import (
	"fmt"
	"os"

	"github.com/raysh454/lucid/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lucid:", err)
		os.Exit(1)
	}
}
