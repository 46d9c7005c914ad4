package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/foundryci/foundry/pkg/client"
)

var (
	serverURL  string
	outputJSON bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("FOUNDRY_SERVER", "http://localhost:8080"), "Server URL")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output raw JSON")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func api() *client.Client {
	return client.New(serverURL)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(data))
}
