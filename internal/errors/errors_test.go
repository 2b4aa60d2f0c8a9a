package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesKindAndRetryable(t *testing.T) {
	tests := []struct {
		code      string
		kind      Kind
		retryable bool
	}{
		{CodeConfigInvalid, KindConfiguration, false},
		{CodeStoreInit, KindDatabase, false},
		{CodeStoreQuery, KindDatabase, true},
		{CodeNetworkTimeout, KindNetwork, true},
		{CodeEmbedProvider, KindExternalService, true},
		{CodeVectorStore, KindExternalService, true},
		{CodeInvalidInput, KindValidation, false},
		{CodeNotFound, KindNotFound, false},
		{CodeConflict, KindConflict, false},
		{CodeBusinessRule, KindBusinessRule, false},
		{CodePayloadTooLarge, KindPayloadTooLarge, false},
		{CodeInternal, KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			e := New(tt.code, "boom", nil)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, tt.retryable, e.Retryable)
		})
	}
}

func TestNew_ErrorIDAndTimestamp(t *testing.T) {
	e := New(CodeInternal, "boom", nil)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}$`), e.ErrorID)
	assert.WithinDuration(t, time.Now(), e.Timestamp, time.Minute)

	// IDs collide only with negligible probability.
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		seen[New(CodeInternal, "x", nil).ErrorID] = true
	}
	assert.Greater(t, len(seen), 90)
}

func TestIs_MatchesByCode(t *testing.T) {
	a := New(CodeConflict, "first", nil)
	b := New(CodeConflict, "second", nil)
	c := New(CodeNotFound, "other", nil)

	assert.True(t, stderrors.Is(a, b))
	assert.False(t, stderrors.Is(a, c))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(CodeInternal, nil))

	cause := fmt.Errorf("disk on fire")
	e := Wrap(CodeStoreQuery, cause)
	require.NotNil(t, e)
	assert.Equal(t, CodeStoreQuery, e.Code)
	assert.ErrorIs(t, e, e)
	assert.Equal(t, cause, stderrors.Unwrap(e))

	// Wrapping an existing *Error keeps the original code.
	again := Wrap(CodeInternal, e)
	assert.Equal(t, CodeStoreQuery, again.Code)
}

func TestIsInfrastructure(t *testing.T) {
	assert.True(t, IsInfrastructure(KindDatabase))
	assert.True(t, IsInfrastructure(KindNetwork))
	assert.True(t, IsInfrastructure(KindExternalService))
	assert.False(t, IsInfrastructure(KindValidation))
	assert.False(t, IsInfrastructure(KindConfiguration))
}

func TestRetryWithResult_SucceedsAfterFailures(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2.0}

	calls := 0
	v, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("transient")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestRetryWithResult_Exhausted(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	calls := 0
	_, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, fmt.Errorf("always")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries
}

func TestRetryWithResult_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := DefaultRetryConfig()
	_, err := RetryWithResult(ctx, cfg, func() (int, error) {
		t.Fatal("fn must not run with a cancelled context")
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
