package main

import (
	"fmt"
	"os"

	"github.com/lcbro/lcbro/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "lcbro: %v\n", err)
		os.Exit(1)
	}
}
