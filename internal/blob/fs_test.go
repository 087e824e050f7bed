package blob_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagerobot/internal/blob"
)

func TestFSStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	t.Run("put then get round-trips", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "results/job-1.json", []byte(`{"title":"x"}`)))

		data, err := store.Get(ctx, "results/job-1.json")
		require.NoError(t, err)
		assert.Equal(t, `{"title":"x"}`, string(data))
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "results/job-2.json", []byte("x")))
		require.NoError(t, store.Delete(ctx, "results/job-2.json"))
		require.NoError(t, store.Delete(ctx, "results/job-2.json"))

		_, err := store.Get(ctx, "results/job-2.json")
		assert.Error(t, err)
	})

	t.Run("path traversal keys are rejected", func(t *testing.T) {
		assert.Error(t, store.Put(ctx, "../outside", []byte("x")))
		assert.Error(t, store.Put(ctx, "/etc/passwd", []byte("x")))
		_, err := store.Get(ctx, "..")
		assert.Error(t, err)
	})
}
