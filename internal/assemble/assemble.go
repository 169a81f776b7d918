// Package assemble turns raw artifact payloads into displayable images.
package assemble

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

// DefaultMIMEType is what the generation service encodes artifacts as.
const DefaultMIMEType = "image/jpeg"

var (
	// ErrAssembly matches every *AssemblyError with errors.Is.
	ErrAssembly = errors.New("artifact assembly failed")
	// ErrEmptyPayload is returned for zero-length artifacts.
	ErrEmptyPayload = errors.New("empty image payload")
)

// AssemblyError reports which artifact of a batch could not be converted.
type AssemblyError struct {
	Index int
	Err   error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("%s: artifact %d: %v", ErrAssembly, e.Index, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

func (e *AssemblyError) Is(target error) bool { return target == ErrAssembly }

// Image is one generated artifact ready for display.
type Image struct {
	URI      string // data:<mime>;base64,<payload>
	MIMEType string
	Data     []byte
	Width    int // only set when the payload was verified
	Height   int
}

// Assembler converts artifacts using a fixed MIME type. The type is never
// sniffed from the payload.
type Assembler struct {
	MIMEType string
	// Verify requires every payload to decode as an image header
	// (jpeg, png, gif or webp) before it is accepted.
	Verify bool
}

// New returns an Assembler for mimeType, falling back to DefaultMIMEType.
func New(mimeType string, verify bool) *Assembler {
	if mimeType == "" {
		mimeType = DefaultMIMEType
	}
	return &Assembler{MIMEType: mimeType, Verify: verify}
}

// Assemble wraps raw as a data URI of the given MIME type.
func (a *Assembler) Assemble(raw []byte, mimeType string) (Image, error) {
	if len(raw) == 0 {
		return Image{}, ErrEmptyPayload
	}
	img := Image{
		URI:      "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(raw),
		MIMEType: mimeType,
		Data:     raw,
	}
	if a.Verify {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
		if err != nil {
			return Image{}, fmt.Errorf("error decoding image header: %w", err)
		}
		img.Width, img.Height = cfg.Width, cfg.Height
	}
	return img, nil
}

// AssembleBatch converts every payload concurrently. The result has one
// image per payload in input order, or no images at all if any conversion
// fails.
func (a *Assembler) AssembleBatch(ctx context.Context, raws [][]byte) ([]Image, error) {
	images := make([]Image, len(raws))
	eg, ctx := errgroup.WithContext(ctx)
	for i, raw := range raws {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return &AssemblyError{Index: i, Err: err}
			}
			img, err := a.Assemble(raw, a.MIMEType)
			if err != nil {
				return &AssemblyError{Index: i, Err: err}
			}
			images[i] = img
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}
