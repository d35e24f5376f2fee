package main

import (
	"os"

	"github.com/onai-academy/platform/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
