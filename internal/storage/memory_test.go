package storage

import (
	"context"
	"io"
	"testing"

	"grade-publisher/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	exists, err := store.Exists(ctx, "a.csv")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Download(ctx, "a.csv")
	assert.True(t, errors.Is(err, errors.ErrObjectNotFound))

	data := []byte("Student,ID\n")
	require.NoError(t, store.Upload(ctx, "a.csv", data, "text/csv"))
	data[0] = 'X'

	rc, err := store.Download(ctx, "a.csv")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "Student,ID\n", string(body))
	assert.Equal(t, "text/csv", store.ContentType("a.csv"))

	require.NoError(t, store.Delete(ctx, "a.csv"))
	exists, err = store.Exists(ctx, "a.csv")
	require.NoError(t, err)
	assert.False(t, exists)
}
