package main

import (
	"os"

	"github.com/harun/memorygraph/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
