// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command qbit runs the Qbit generation backend.
//
// The serve subcommand starts the HTTP/WebSocket server; the credits
// and keys subcommands administer a deployment.
//
// # Environment Variables
//
//   - QBIT_PORT: HTTP server port (default: 12300)
//   - QBIT_DATA_DIR: Badger database directory (default: ~/.qbit/data)
//   - QBIT_PLAN_API_KEYS: comma-separated plan-provider API keys
//   - QBIT_CODEGEN_API_KEYS: comma-separated codegen-provider API keys
//   - QBIT_REDIS_ADDR: Redis address for the context cache (optional)
//   - QBIT_OTLP_ENDPOINT: OpenTelemetry collector (optional, host:port)
//
// # Usage
//
//	# Build
//	go build -o qbit ./cmd/qbit
//
//	# Run the server
//	./qbit serve
//
//	# Grant credits (server must be stopped; operates on the database)
//	./qbit credits grant --user local-user --amount 100
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "qbit",
		Short: "Backend for the Qbit prompt-to-app generation service",
		Long: `Qbit turns user prompts into project snapshots through a
two-stage LLM pipeline with credit metering, API key rotation,
and versioned persistence.`,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config YAML (optional)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(creditsCmd)
	rootCmd.AddCommand(keysCmd)
}
