package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "direct kinded error",
			err:  E(KindInvalidInput, "not a pdf"),
			want: KindInvalidInput,
		},
		{
			name: "wrapped kinded error",
			err:  fmt.Errorf("stage failed: %w", E(KindTimeout, "extractor timed out")),
			want: KindTimeout,
		},
		{
			name: "double wrapped keeps outermost kind",
			err:  Wrap(KindGraphWriteFailed, "batch 3", E(KindCircuitOpen, "graph breaker open")),
			want: KindGraphWriteFailed,
		},
		{
			name: "plain error defaults to internal",
			err:  errors.New("boom"),
			want: KindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsKind_WalksChain(t *testing.T) {
	err := Wrap(KindGraphWriteFailed, "batch 3", E(KindCircuitOpen, "open"))
	assert.True(t, IsKind(err, KindGraphWriteFailed))
	assert.True(t, IsKind(err, KindCircuitOpen))
	assert.False(t, IsKind(err, KindTimeout))
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(E(KindTimeout, "t")))
	assert.True(t, Transient(E(KindCircuitOpen, "c")))
	assert.True(t, Transient(E(KindBusyRetryLater, "b")))
	assert.False(t, Transient(E(KindInvalidInput, "i")))
	assert.False(t, Transient(E(KindIntegrityFailed, "i")))
	assert.False(t, Transient(errors.New("plain")))
}

func TestUserMessage_HidesInternalDetail(t *testing.T) {
	err := Wrap(KindExtractionFailed, "document could not be read",
		errors.New("/var/lib/secret/path: permission denied"))
	msg := UserMessage(err)
	require.Contains(t, msg, "ExtractionFailed")
	assert.NotContains(t, msg, "/var/lib")

	assert.Equal(t, "Internal: an unexpected error occurred", UserMessage(errors.New("raw")))
}
