package attachments

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/sandakersmann/session-core/config"
	"github.com/sandakersmann/session-core/crypto"
	"github.com/stretchr/testify/require"
)

type fetcherFunc func(ctx context.Context, pointer string) ([]byte, error)

func (f fetcherFunc) Fetch(ctx context.Context, pointer string) ([]byte, error) {
	return f(ctx, pointer)
}

func newTestPipeline(t *testing.T, fetcher Fetcher) *Pipeline {
	c := config.NewConfig(config.WithRootDir(t.TempDir()), config.WithLoggingPrefix("test"))
	p, err := NewPipeline(c, fetcher)
	require.NoError(t, err)
	return p
}

func pngBytes(t *testing.T, w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestRescaleBoundsLargeImage(t *testing.T) {
	p := newTestPipeline(t, nil)

	out, err := p.Rescale(pngBytes(t, 1200, 600), 640)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, 640, img.Bounds().Dx())
	require.Equal(t, 320, img.Bounds().Dy())
}

func TestRescaleKeepsSmallImage(t *testing.T) {
	p := newTestPipeline(t, nil)

	out, err := p.Rescale(pngBytes(t, 100, 50), 640)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, 100, img.Bounds().Dx())
	require.Equal(t, 50, img.Bounds().Dy())
}

func TestRescaleTallImage(t *testing.T) {
	p := newTestPipeline(t, nil)

	out, err := p.Rescale(pngBytes(t, 300, 900), 300)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, 100, img.Bounds().Dx())
	require.Equal(t, 300, img.Bounds().Dy())
}

func TestRescaleRejectsNonImage(t *testing.T) {
	p := newTestPipeline(t, nil)
	_, err := p.Rescale([]byte("definitely not an image"), 640)
	require.Error(t, err)
}

func TestStoreIsContentAddressed(t *testing.T) {
	p := newTestPipeline(t, nil)

	data := pngBytes(t, 10, 10)
	path1, err := p.Store(data)
	require.NoError(t, err)
	require.Equal(t, ".png", filepath.Ext(path1))

	stored, err := os.ReadFile(path1)
	require.NoError(t, err)
	require.Equal(t, data, stored)

	// same bytes land at the same path
	path2, err := p.Store(data)
	require.NoError(t, err)
	require.Equal(t, path1, path2)
}

func TestFetchDecrypted(t *testing.T) {
	key := crypto.NewKey()
	plain := []byte("attachment body")
	sealed, err := crypto.SealWithKey(key, plain, nil)
	require.NoError(t, err)

	p := newTestPipeline(t, fetcherFunc(func(ctx context.Context, pointer string) ([]byte, error) {
		require.Equal(t, "http://files/1", pointer)
		return sealed, nil
	}))

	out, err := p.FetchDecrypted(context.Background(), "http://files/1", key)
	require.NoError(t, err)
	require.Equal(t, plain, out)

	_, err = p.FetchDecrypted(context.Background(), "http://files/1", crypto.NewKey())
	require.Error(t, err)
}

func TestFetchDecryptedPropagatesFetchError(t *testing.T) {
	p := newTestPipeline(t, fetcherFunc(func(ctx context.Context, pointer string) ([]byte, error) {
		return nil, errors.New("file server down")
	}))
	_, err := p.FetchDecrypted(context.Background(), "http://files/1", crypto.NewKey())
	require.Error(t, err)
}

func TestFetchAvatarChain(t *testing.T) {
	key := crypto.NewKey()
	sealed, err := crypto.SealWithKey(key, pngBytes(t, 2000, 1000), nil)
	require.NoError(t, err)

	p := newTestPipeline(t, fetcherFunc(func(ctx context.Context, pointer string) ([]byte, error) {
		return sealed, nil
	}))

	path, err := p.FetchAvatar(context.Background(), "http://avatars/1", key)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	require.LessOrEqual(t, img.Bounds().Dx(), p.config.AvatarMaxDimension)
	require.LessOrEqual(t, img.Bounds().Dy(), p.config.AvatarMaxDimension)
}

func TestFetchStoredSkipsRescale(t *testing.T) {
	key := crypto.NewKey()
	plain := []byte("plain file, not an image")
	sealed, err := crypto.SealWithKey(key, plain, nil)
	require.NoError(t, err)

	p := newTestPipeline(t, fetcherFunc(func(ctx context.Context, pointer string) ([]byte, error) {
		return sealed, nil
	}))

	path, err := p.FetchStored(context.Background(), "http://files/1", key)
	require.NoError(t, err)
	stored, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, plain, stored)
}
