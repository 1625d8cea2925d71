// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/qbitlabs/qbit-backend/pkg/config"
	"github.com/qbitlabs/qbit-backend/pkg/logging"
	"github.com/qbitlabs/qbit-backend/services/ledger"
	"github.com/qbitlabs/qbit-backend/services/storage/badgerstore"
)

var (
	grantUser   string
	grantAmount int64
	grantReason string

	creditsCmd = &cobra.Command{
		Use:   "credits",
		Short: "Administer the credit ledger",
	}

	creditsGrantCmd = &cobra.Command{
		Use:   "grant",
		Short: "Add credits to a user's account",
		Long: `Opens the database directly; stop the server first. Badger holds an
exclusive directory lock, so this fails while the server is running.`,
		Run: runCreditsGrant,
	}

	creditsBalanceCmd = &cobra.Command{
		Use:   "balance",
		Short: "Show a user's credit balance",
		Run:   runCreditsBalance,
	}

	keysCmd = &cobra.Command{
		Use:   "keys",
		Short: "Inspect the API key rotation pools",
	}

	keysStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show per-provider key pool health from a running server",
		Run:   runKeysStatus,
	}
)

func init() {
	creditsGrantCmd.Flags().StringVar(&grantUser, "user", "local-user", "account to credit")
	creditsGrantCmd.Flags().Int64Var(&grantAmount, "amount", 0, "credits to add")
	creditsGrantCmd.Flags().StringVar(&grantReason, "reason", "manual grant", "ledger entry reason")
	_ = creditsGrantCmd.MarkFlagRequired("amount")
	creditsCmd.AddCommand(creditsGrantCmd)

	creditsBalanceCmd.Flags().StringVar(&grantUser, "user", "local-user", "account to inspect")
	creditsCmd.AddCommand(creditsBalanceCmd)

	keysCmd.AddCommand(keysStatusCmd)
}

// openLedger opens the database for offline administration.
func openLedger() (*ledger.Ledger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.Config{Level: logging.LevelWarn, Service: "qbit-admin"})

	storeCfg := badgerstore.DefaultConfig()
	storeCfg.Path = cfg.Storage.Path
	storeCfg.GCInterval = 0
	store, err := badgerstore.Open(storeCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open database (is the server running?): %w", err)
	}

	cleanup := func() {
		_ = store.Close()
		_ = logger.Close()
	}
	return ledger.NewLedger(store, logger), cleanup, nil
}

func runCreditsGrant(cmd *cobra.Command, args []string) {
	if grantAmount <= 0 {
		log.Fatalf("--amount must be positive")
	}

	l, cleanup, err := openLedger()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer cleanup()

	balance, err := l.Grant(context.Background(), grantUser, grantAmount, grantReason)
	if err != nil {
		log.Fatalf("Grant failed: %v", err)
	}
	fmt.Printf("Granted %d credits to %s (balance: %d)\n", grantAmount, grantUser, balance)
}

func runCreditsBalance(cmd *cobra.Command, args []string) {
	l, cleanup, err := openLedger()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer cleanup()

	balance, err := l.Balance(context.Background(), grantUser)
	if err != nil {
		log.Fatalf("Balance lookup failed: %v", err)
	}
	fmt.Printf("%s: %d credits\n", grantUser, balance)
}

func runKeysStatus(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + cfg.Server.Port + "/v1/keys/status")
	if err != nil {
		log.Fatalf("Could not reach server on port %s: %v", cfg.Server.Port, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Error reading response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("Server returned %d: %s", resp.StatusCode, body)
	}
	fmt.Println(string(body))
}
