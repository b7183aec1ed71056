package main

import (
	"fmt"
	"os"

	"github.com/tjfontaine/polyglot-pipeline/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/keygen/main.go <api-key> [description]")
		fmt.Println("Generates a SHA-256 hash of the provided API key for use in config.yaml")
		os.Exit(1)
	}

	apiKey := os.Args[1]
	description := "Generated key"
	if len(os.Args) > 2 {
		description = os.Args[2]
	}
	keyHash := auth.HashAPIKey(apiKey)

	fmt.Printf("SHA-256 Hash: %s\n", keyHash)
	fmt.Println("\nAdd this to your config.yaml:")
	fmt.Printf("server:\n")
	fmt.Printf("  api_keys:\n")
	fmt.Printf("    - key_hash: %q\n", keyHash)
	fmt.Printf("      description: %q\n", description)
}
