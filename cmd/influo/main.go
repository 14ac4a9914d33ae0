// Command influo is the Influo CD daemon's entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/Danktronics/Influo/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
