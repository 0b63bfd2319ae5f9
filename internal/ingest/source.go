// Package ingest turns the different ways a digit reaches the service into a
// decoded image. The input method is resolved here, once, as a Source variant.
package ingest

import (
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"strings"
)

type Kind int

const (
	KindUpload Kind = iota
	KindCanvas
	KindPixels
)

func (k Kind) String() string {
	switch k {
	case KindUpload:
		return "upload"
	case KindCanvas:
		return "canvas"
	case KindPixels:
		return "pixels"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Drawn reports whether the image came from a drawing surface, which is always
// a white stroke on a black background.
func (k Kind) Drawn() bool {
	return k == KindCanvas || k == KindPixels
}

// Source is one of UploadSource, CanvasSource or PixelSource.
type Source interface {
	Kind() Kind
	decode() (*RawImage, error)
}

// UploadSource holds the bytes of an uploaded image file in any supported format.
type UploadSource struct {
	Filename string
	Data     []byte
}

func (UploadSource) Kind() Kind { return KindUpload }

// CanvasSource holds a data URL as produced by HTMLCanvasElement.toDataURL.
type CanvasSource struct {
	DataURL string
}

func (CanvasSource) Kind() Kind { return KindCanvas }

// PixelSource is a raw, non-premultiplied RGBA buffer read straight off a canvas
// widget, Width*Height*4 bytes long.
type PixelSource struct {
	Width  int
	Height int
	Pixels []byte
}

func (PixelSource) Kind() Kind { return KindPixels }

// RawImage is the decoded bitmap plus what is needed to echo it back.
type RawImage struct {
	Image  image.Image
	Kind   Kind
	Format string
	// Echo is a data URL that can be shown to the user as-is. It is only set
	// when the client sent one.
	Echo string
}

// Decode resolves src into a RawImage. Every failure wraps ErrImageDecode.
func Decode(src Source) (*RawImage, error) {
	if src == nil {
		return nil, ErrNoImageProvided
	}
	return src.decode()
}

// FromForm picks the input method the way the upload form submits it: a
// non-empty canvas_image wins, then a file with a name. maxBytes bounds how much
// of the file is read.
func FromForm(canvasImage string, file *multipart.FileHeader, maxBytes int64) (Source, error) {
	if strings.TrimSpace(canvasImage) != "" {
		return CanvasSource{DataURL: canvasImage}, nil
	}

	if file == nil || file.Filename == "" {
		return nil, ErrNoImageProvided
	}

	f, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open upload: %v", ErrImageDecode, err)
	}
	defer f.Close()

	data, err := readLimited(f, maxBytes)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNoImageProvided
	}

	return UploadSource{Filename: file.Filename, Data: data}, nil
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: read upload: %v", ErrImageDecode, err)
		}
		return data, nil
	}

	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read upload: %v", ErrImageDecode, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: upload exceeds %d bytes", ErrImageDecode, maxBytes)
	}
	return data, nil
}
