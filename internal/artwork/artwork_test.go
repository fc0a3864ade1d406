package artwork

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "art"))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "roon:album:1", []byte("jpegbytes")))

	got, err := c.Get(ctx, "roon:album:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpegbytes"), got)
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "art"))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
