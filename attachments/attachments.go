// This package implements the attachment transform chain: fetch ciphertext
// from a file server, decrypt it, optionally rescale images for local display
// and store the result under the root directory.
package attachments

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	// register decoders for the formats avatars arrive in
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/gabriel-vasile/mimetype"
	"github.com/kevinburke/nacl"
	"github.com/sandakersmann/session-core/config"
	"github.com/sandakersmann/session-core/crypto"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// Fetcher downloads attachment ciphertext by its pointer. Implemented by the
// transport layer.
type Fetcher interface {
	Fetch(ctx context.Context, pointer string) ([]byte, error)
}

type Pipeline struct {
	config  *config.Config
	log     *zap.SugaredLogger
	fetcher Fetcher
	dir     string
}

func NewPipeline(c *config.Config, fetcher Fetcher) (*Pipeline, error) {
	dir := filepath.Join(c.RootDir, "attachments")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("attachments: error making %s: %w", dir, err)
	}
	return &Pipeline{
		config:  c,
		log:     c.Logger("attachments"),
		fetcher: fetcher,
		dir:     dir,
	}, nil
}

// FetchDecrypted downloads and decrypts one attachment.
func (p *Pipeline) FetchDecrypted(ctx context.Context, pointer string, key nacl.Key) ([]byte, error) {
	enc, err := p.fetcher.Fetch(ctx, pointer)
	if err != nil {
		return nil, fmt.Errorf("attachments: error fetching %s: %w", pointer, err)
	}
	plain, err := crypto.OpenWithKey(key, enc, nil)
	if err != nil {
		return nil, fmt.Errorf("attachments: error decrypting %s: %w", pointer, err)
	}
	return plain, nil
}

// Rescale bounds an image to maxDim on its longer edge, re-encoding as JPEG.
// Images already within bounds are re-encoded unchanged in size.
func (p *Pipeline) Rescale(data []byte, maxDim int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("attachments: error decoding image: %w", err)
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > maxDim || h > maxDim {
		scale := float64(maxDim) / float64(w)
		if h > w {
			scale = float64(maxDim) / float64(h)
		}
		dw, dh := int(float64(w)*scale), int(float64(h)*scale)
		if dw < 1 {
			dw = 1
		}
		if dh < 1 {
			dh = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("attachments: error encoding image: %w", err)
	}
	return buf.Bytes(), nil
}

// Store writes data to a content-addressed path, sniffing the extension from
// the bytes themselves.
func (p *Pipeline) Store(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	ext := mimetype.Detect(data).Extension()
	if ext == "" {
		ext = ".bin"
	}
	path := filepath.Join(p.dir, fmt.Sprintf("%x%s", digest[0:16], ext))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("attachments: error writing %s: %w", path, err)
	}
	return path, nil
}

// FetchAvatar runs the full avatar chain: download, decrypt, rescale for
// local display, store. The returned path is only valid if every step
// succeeded.
func (p *Pipeline) FetchAvatar(ctx context.Context, pointer string, key nacl.Key) (string, error) {
	plain, err := p.FetchDecrypted(ctx, pointer, key)
	if err != nil {
		return "", err
	}
	scaled, err := p.Rescale(plain, p.config.AvatarMaxDimension)
	if err != nil {
		return "", err
	}
	return p.Store(scaled)
}

// FetchStored downloads, decrypts and stores an attachment without rescaling.
func (p *Pipeline) FetchStored(ctx context.Context, pointer string, key nacl.Key) (string, error) {
	plain, err := p.FetchDecrypted(ctx, pointer, key)
	if err != nil {
		return "", err
	}
	return p.Store(plain)
}
