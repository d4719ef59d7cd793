package main

import (
	"os"
)

func main() {
	// WEFT_NAME overrides the binary name in help text, for wrapper
	// scripts that route between workspaces under another name.
	if name := os.Getenv("WEFT_NAME"); name != "" {
		rootCmd.Use = name
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
