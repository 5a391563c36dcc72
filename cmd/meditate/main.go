package main

import (
	"os"

	"github.com/loqalabs/loqa-meditation/cmd/meditate/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
