package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cerebrasServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer csk_test", r.Header.Get("Authorization"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestCerebrasGenerateSuccess(t *testing.T) {
	srv := cerebrasServer(t, http.StatusOK,
		`{"id":"x","choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}]}`)
	defer srv.Close()

	client := NewCerebrasClient(srv.URL, "qwen-3-32b", 5*time.Second)
	out, err := client.Generate(context.Background(), "csk_test", "say hello", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestCerebrasGenerateErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   Kind
	}{
		{"rate limited", http.StatusTooManyRequests, KindRateLimited},
		{"unauthorized", http.StatusUnauthorized, KindInvalidCredential},
		{"forbidden", http.StatusForbidden, KindInvalidCredential},
		{"server error", http.StatusInternalServerError, KindTransient},
		{"bad request", http.StatusBadRequest, KindPermanent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := cerebrasServer(t, tc.status, `{"error":{"type":"x","message":"y"}}`)
			defer srv.Close()

			client := NewCerebrasClient(srv.URL, "qwen-3-32b", 5*time.Second)
			_, err := client.Generate(context.Background(), "csk_test", "p", GenerationParams{})
			require.Error(t, err)

			var pe *ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tc.want, pe.Kind)
			assert.Equal(t, tc.status, pe.StatusCode)
			assert.Equal(t, "cerebras", pe.Provider)
		})
	}
}

func TestCerebrasGenerateEmptyContentIsPermanent(t *testing.T) {
	srv := cerebrasServer(t, http.StatusOK, `{"id":"x","choices":[]}`)
	defer srv.Close()

	client := NewCerebrasClient(srv.URL, "qwen-3-32b", 5*time.Second)
	_, err := client.Generate(context.Background(), "csk_test", "p", GenerationParams{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindPermanent))
}

func TestCerebrasNetworkFailureIsTransient(t *testing.T) {
	srv := cerebrasServer(t, http.StatusOK, "{}")
	srv.Close() // connection refused from here on

	client := NewCerebrasClient(srv.URL, "qwen-3-32b", time.Second)
	_, err := client.Generate(context.Background(), "csk_test", "p", GenerationParams{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransient))
}
