package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChromemIndex_ProfileNamespaces(t *testing.T) {
	ctx := context.Background()
	idx, err := NewChromemIndex("", nil)
	require.NoError(t, err)

	require.NoError(t, idx.Upsert(ctx, "p1", "m1", "User prefers Python"))
	require.NoError(t, idx.Upsert(ctx, "p1", "m2", "Dentist appointment on Tuesday"))
	require.NoError(t, idx.Upsert(ctx, "p2", "m3", "User prefers Rust"))

	hits, err := idx.Query(ctx, "p1", "which language do I prefer", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "m1", hits[0].MemoryID)
	for _, h := range hits {
		assert.NotEqual(t, "m3", h.MemoryID)
		assert.GreaterOrEqual(t, h.Score, 0.0)
		assert.LessOrEqual(t, h.Score, 1.0)
	}
}

func TestChromemIndex_EmptyAndRemove(t *testing.T) {
	ctx := context.Background()
	idx, err := NewChromemIndex("", NewEmbedder("hash"))
	require.NoError(t, err)

	hits, err := idx.Query(ctx, "nobody", "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = idx.Query(ctx, "", "anything", 5)
	assert.Error(t, err)
	assert.Error(t, idx.Upsert(ctx, "", "m", "text"))
	hits, err = idx.Query(ctx, "p1", "   ", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, idx.Upsert(ctx, "p1", "m1", "first"))
	require.NoError(t, idx.Upsert(ctx, "p1", "m2", "second"))
	assert.Equal(t, 2, idx.Count("p1"))
	require.NoError(t, idx.Remove(ctx, "p1", "m1"))
	assert.Equal(t, 1, idx.Count("p1"))

	require.NoError(t, idx.DeleteProfile(ctx, "p1"))
	assert.Equal(t, 0, idx.Count("p1"))
}
