package main

import (
	"os"

	"github.com/synapse-ops/synapse/internal/cmd"
)

func main() {
	if err := cmd.New().Execute(); err != nil {
		os.Exit(1)
	}
}
