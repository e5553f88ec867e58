package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/rmax-ai/roadnet/pkg/mcp"
)

func main() {
	apiURL := flag.String("api", envOrDefault("ROADNET_API_URL", "http://127.0.0.1:8095"), "Base URL of roadnet-d API")
	flag.Parse()

	// stdout carries the protocol, logs go to stderr.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	slog.Info("mcp_server_starting", "api", *apiURL)

	if err := mcp.NewServer(*apiURL).Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "roadnet-mcp: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
