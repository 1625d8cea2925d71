// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the seams where hosted deployments plug in
// their own infrastructure.
//
// The open-source build ships Nop implementations so the server runs
// without any external identity provider: every request authenticates
// as the local user. Hosted deployments swap in providers that validate
// real tokens (JWT mechanics live entirely behind this interface).
package extensions

import "context"

// AuthInfo is the identity attached to an authenticated request.
type AuthInfo struct {
	// UserID identifies the caller. Used as the credit ledger account.
	UserID string

	// DisplayName is a human-readable name for logs and UI.
	DisplayName string

	// Roles carries coarse authorization roles ("user", "admin").
	Roles []string
}

// HasRole reports whether the identity carries the given role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens. Implementations must be safe
// for concurrent use; Validate runs on every request.
type AuthProvider interface {
	// Validate checks the token and returns the caller's identity.
	// A non-nil error rejects the request with 401.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider authenticates everything as a local admin user. The
// default for single-user and development deployments.
type NopAuthProvider struct{}

// NewNopAuthProvider returns the default provider.
func NewNopAuthProvider() *NopAuthProvider { return &NopAuthProvider{} }

// Validate implements AuthProvider. Never fails; the token is ignored.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID:      "local-user",
		DisplayName: "Local User",
		Roles:       []string{"user", "admin"},
	}, nil
}
