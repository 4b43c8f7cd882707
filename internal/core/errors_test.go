package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"content", E(ErrContent, "chunk", "empty", nil), false},
		{"extraction", E(ErrExtraction, "extract", "bad pdf", nil), false},
		{"configuration", E(ErrConfiguration, "embed", "no provider", nil), false},
		{"not found", E(ErrNotFound, "get", "doc", nil), false},
		{"invalid job", fmt.Errorf("decode: %w", E(ErrInvalidJob, "decode", "", nil)), false},
		{"gateway", E(ErrGateway, "embed", "rate limited", errors.New("429")), true},
		{"unclassified", errors.New("connection reset"), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestErrorMatchingAndReason(t *testing.T) {
	cause := errors.New("timeout")
	err := E(ErrGateway, "gateway.embed", "provider gemini", cause)

	assert.ErrorIs(t, err, ErrGateway)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrContent)
	assert.Equal(t, "gateway.embed: gateway error: provider gemini: timeout", err.Error())

	assert.Equal(t, "provider gemini: timeout", Reason(err))
	assert.Equal(t, "doc-1", Reason(E(ErrNotFound, "get", "doc-1", nil)))
	assert.Equal(t, "plain failure", Reason(errors.New("plain failure")))
}
