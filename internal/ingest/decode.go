package ingest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	// MaxDimension bounds the width and the height of any accepted image.
	MaxDimension = 8192
	// MaxPixels bounds width*height, about 100 MB once decoded to NRGBA.
	MaxPixels = 25_000_000
)

// checkSize rejects images too large to decode, before any bitmap is allocated.
func checkSize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: invalid image size %dx%d", ErrImageDecode, width, height)
	}
	if width > MaxDimension || height > MaxDimension || width*height > MaxPixels {
		return fmt.Errorf("%w: image size %dx%d is above the limit of %d pixels per side and %d in total",
			ErrImageDecode, width, height, MaxDimension, MaxPixels)
	}
	return nil
}

func (s UploadSource) decode() (*RawImage, error) {
	if len(s.Data) == 0 {
		return nil, ErrNoImageProvided
	}

	img, format, err := DecodeBytes(s.Data)
	if err != nil {
		return nil, err
	}
	return &RawImage{Image: img, Kind: KindUpload, Format: format}, nil
}

func (s CanvasSource) decode() (*RawImage, error) {
	if strings.TrimSpace(s.DataURL) == "" {
		return nil, ErrNoImageProvided
	}

	_, data, err := ParseDataURL(s.DataURL)
	if err != nil {
		return nil, err
	}

	img, format, err := DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	return &RawImage{Image: img, Kind: KindCanvas, Format: format, Echo: s.DataURL}, nil
}

func (s PixelSource) decode() (*RawImage, error) {
	if len(s.Pixels) == 0 {
		return nil, ErrNoImageProvided
	}
	if err := checkSize(s.Width, s.Height); err != nil {
		return nil, err
	}
	if want := s.Width * s.Height * 4; len(s.Pixels) != want {
		return nil, fmt.Errorf("%w: canvas buffer has %d bytes, want %d", ErrImageDecode, len(s.Pixels), want)
	}

	img := image.NewNRGBA(image.Rect(0, 0, s.Width, s.Height))
	copy(img.Pix, s.Pixels)
	return &RawImage{Image: img, Kind: KindPixels, Format: "rgba"}, nil
}

// ParseDataURL splits "data:image/png;base64,<payload>" into its media type and
// decoded payload. Only base64 payloads are accepted.
func ParseDataURL(dataURL string) (string, []byte, error) {
	header, encoded, ok := strings.Cut(strings.TrimSpace(dataURL), ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: data URL has no payload", ErrImageDecode)
	}
	if !strings.HasPrefix(header, "data:") || !strings.HasSuffix(header, ";base64") {
		return "", nil, fmt.Errorf("%w: unsupported data URL header %q", ErrImageDecode, header)
	}

	mediaType := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
	if mediaType != "" && !strings.HasPrefix(mediaType, "image/") {
		return "", nil, fmt.Errorf("%w: data URL is %s, not an image", ErrImageDecode, mediaType)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Some clients strip the padding.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return "", nil, fmt.Errorf("%w: bad base64 payload: %v", ErrImageDecode, err)
		}
	}
	if len(data) == 0 {
		return "", nil, ErrNoImageProvided
	}

	return mediaType, data, nil
}

// DecodeBytes decodes any registered image format, falling back to the libwebp
// decoder for WebP files the pure Go decoder rejects. The declared size is
// checked against MaxDimension and MaxPixels before decoding.
func DecodeBytes(data []byte) (image.Image, string, error) {
	cfg, format, cfgErr := image.DecodeConfig(bytes.NewReader(data))
	if cfgErr == nil {
		if err := checkSize(cfg.Width, cfg.Height); err != nil {
			return nil, "", err
		}
		img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
		if err == nil {
			return img, format, nil
		}
	}

	if wcfg, err := webp.DecodeConfig(bytes.NewReader(data)); err == nil {
		if err := checkSize(wcfg.Width, wcfg.Height); err != nil {
			return nil, "", err
		}
		if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
			return img, "webp", nil
		}
	}

	if cfgErr != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrImageDecode, cfgErr)
	}
	return nil, "", fmt.Errorf("%w: %s payload is corrupt", ErrImageDecode, format)
}

// EncodeDataURL renders img as a PNG data URL for echoing back to the browser.
func EncodeDataURL(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
