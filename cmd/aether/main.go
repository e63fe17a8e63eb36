// Aether Labs terminal client.
package main

import (
	"os"

	"github.com/ashureev/aether-labs/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
