package main

import (
	"fmt"
	"os"

	"milestonepay/internal/config"
)

func main() {
	root := newRootCmd(&cli{loadConfig: config.Load, out: os.Stdout})
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
