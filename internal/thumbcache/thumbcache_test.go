package thumbcache

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 128, A: 255})
		}
	}
	return img
}

func TestSaveAndLoad(t *testing.T) {
	cache, err := New(t.TempDir(), 85, nil, nil)
	require.NoError(t, err)

	path, err := cache.Save("clip.mp4", testImage())
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.True(t, cache.IsCached("clip.mp4"))

	img, err := cache.Load("clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
}

func TestLoadMissing(t *testing.T) {
	cache, err := New(t.TempDir(), 85, nil, nil)
	require.NoError(t, err)

	_, err = cache.Load("nope.mp4")
	assert.ErrorIs(t, err, ErrNotCached)
	assert.False(t, cache.IsCached("nope.mp4"))
}

func TestLoadCorruptFileSelfHeals(t *testing.T) {
	dir := t.TempDir()
	cache, err := New(dir, 85, nil, nil)
	require.NoError(t, err)

	path := filepath.Join(dir, "clip.mp4.jpg")
	require.NoError(t, os.WriteFile(path, []byte("not a jpeg"), 0600))

	_, err = cache.Load("clip.mp4")
	assert.ErrorIs(t, err, ErrNotCached)
	assert.NoFileExists(t, path, "corrupt thumbnail must be removed")
}

func TestDelete(t *testing.T) {
	cache, err := New(t.TempDir(), 85, nil, nil)
	require.NoError(t, err)

	_, err = cache.Save("clip.mp4", testImage())
	require.NoError(t, err)

	require.NoError(t, cache.Delete("clip.mp4"))
	assert.False(t, cache.IsCached("clip.mp4"))

	// Deleting a missing thumbnail is not an error.
	assert.NoError(t, cache.Delete("clip.mp4"))
}

func TestInvalidQualityFallsBackToDefault(t *testing.T) {
	cache, err := New(t.TempDir(), 0, nil, nil)
	require.NoError(t, err)

	_, err = cache.Save("clip.mp4", testImage())
	assert.NoError(t, err)
}
