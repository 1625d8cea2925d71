package llm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{429, KindRateLimited},
		{401, KindInvalidCredential},
		{403, KindInvalidCredential},
		{408, KindTransient},
		{500, KindTransient},
		{503, KindTransient},
		{400, KindPermanent},
		{404, KindPermanent},
		{422, KindPermanent},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyStatus(tc.status), "status %d", tc.status)
	}
}

func TestKindOf(t *testing.T) {
	pe := &ProviderError{Provider: "groq", Kind: KindRateLimited, StatusCode: 429, Message: "slow down"}
	wrapped := fmt.Errorf("intent stage: %w", pe)

	assert.Equal(t, KindRateLimited, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindRateLimited))
	assert.False(t, IsKind(wrapped, KindPermanent))

	// Anything that is not a provider error counts as transient.
	assert.Equal(t, KindTransient, KindOf(errors.New("connection reset")))
}
