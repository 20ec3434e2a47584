package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWithInvocation(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), zerolog.New(&buf))

	ctx = WithInvocation(ctx, "inv-1")
	require.Equal(t, "inv-1", InvocationID(ctx))

	log := FromContext(ctx)
	log.Info().Msg("hello")
	require.Contains(t, buf.String(), `"invocation_id":"inv-1"`)
}

func TestInvocationIDMissing(t *testing.T) {
	require.Empty(t, InvocationID(context.Background()))
}
