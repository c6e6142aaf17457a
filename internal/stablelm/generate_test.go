package stablelm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCachedMatchesRecompute(t *testing.T) {
	d, _ := newTestDecoder(t, tinyConfig(), 40).Fuse()
	ctx := context.Background()
	prompt := []int32{1, 4, 2}

	on, off := true, false
	cached, err := Generate(ctx, d, prompt, GenerateOptions{MaxTokens: 6, UseCache: &on})
	require.NoError(t, err)
	recomputed, err := Generate(ctx, d, prompt, GenerateOptions{MaxTokens: 6, UseCache: &off})
	require.NoError(t, err)

	assert.Len(t, cached, 6)
	assert.Equal(t, recomputed, cached)
	assert.Equal(t, []int32{1, 4, 2}, prompt)
}

func TestGenerateStopsAtEOS(t *testing.T) {
	cfg := tinyConfig()
	d := newTestDecoder(t, cfg, 41)
	ctx := context.Background()

	var streamed []int32
	first, err := Generate(ctx, d, []int32{3}, GenerateOptions{
		MaxTokens: 3,
		OnToken:   func(id int32) { streamed = append(streamed, id) },
	})
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, first, streamed)

	d.Config.EOSTokenID = first[0]
	stopped, err := Generate(ctx, d, []int32{3}, GenerateOptions{MaxTokens: 3, StopAtEOS: true})
	require.NoError(t, err)
	assert.Equal(t, first[:1], stopped)

	ignored, err := Generate(ctx, d, []int32{3}, GenerateOptions{MaxTokens: 3})
	require.NoError(t, err)
	assert.Equal(t, first, ignored)
}

func TestGenerateEdgeCases(t *testing.T) {
	d := newTestDecoder(t, tinyConfig(), 42)
	ctx := context.Background()

	_, err := Generate(ctx, d, nil, GenerateOptions{MaxTokens: 1})
	assert.ErrorIs(t, err, ErrEmptyInput)

	out, err := Generate(ctx, d, []int32{1}, GenerateOptions{})
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = Generate(ctx, d, []int32{1, 50}, GenerateOptions{MaxTokens: 1})
	assert.ErrorIs(t, err, ErrTokenOutOfRange)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	out, err = Generate(cancelled, d, []int32{1}, GenerateOptions{MaxTokens: 2})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out)
}
