package main

import (
	"os"

	"github.com/arbiterhealth/arbiter/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
