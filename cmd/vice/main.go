package main

import (
	"os"

	"github.com/harun/vice/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
