package main

import (
	"os"

	"ride-dispatch/cmd/coordinator"
)

func main() {
	if err := coordinator.Execute(); err != nil {
		os.Exit(1)
	}
}
