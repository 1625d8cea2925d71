// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package keypool

import "errors"

// ErrNoHealthyKey is returned by Acquire when every credential in the
// pool is rate_limited or blacklisted. Callers must treat it as
// retryable after backoff, not as a permanent failure: rate-limited
// credentials return to rotation when their window expires.
var ErrNoHealthyKey = errors.New("no healthy API keys available")
