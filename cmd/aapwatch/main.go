package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/marion/aap-watch/internal/cli"
)

func main() {
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
