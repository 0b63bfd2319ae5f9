// Package preprocess converts decoded images into the tensor the digit model
// was trained on: 28x28, one channel, values in [0,1], bright strokes on a dark
// background. Every front-end goes through Pipeline so the model sees the same
// thing whatever the input method.
package preprocess

import (
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"

	"github.com/Brownie44l1/digit-api/internal/ingest"
)

const (
	Width    = 28
	Height   = 28
	Channels = 1
)

// Policy decides whether intensities are inverted before scaling.
type Policy string

const (
	// PolicyInvert always inverts. Right for dark ink on light paper.
	PolicyInvert Policy = "invert"
	// PolicyKeep never inverts. Canvas drawings use it.
	PolicyKeep Policy = "keep"
	// PolicyAuto inverts when the border of the resized image is brighter than
	// mid-gray, i.e. when the background is light.
	PolicyAuto Policy = "auto"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyInvert, PolicyKeep, PolicyAuto:
		return p, nil
	default:
		return "", fmt.Errorf("unknown polarity policy %q", s)
	}
}

var filters = map[string]resize.InterpolationFunction{
	"nearest":  resize.NearestNeighbor,
	"bilinear": resize.Bilinear,
	"bicubic":  resize.Bicubic,
	"mitchell": resize.MitchellNetravali,
	"lanczos2": resize.Lanczos2,
	"lanczos3": resize.Lanczos3,
}

func ParseFilter(name string) (resize.InterpolationFunction, error) {
	f, ok := filters[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown resize filter %q", name)
	}
	return f, nil
}

type Option func(*Pipeline)

func WithFilter(f resize.InterpolationFunction) Option {
	return func(p *Pipeline) {
		p.filter = f
	}
}

// WithUploadPolicy sets the policy for uploaded files. Drawn sources ignore it.
func WithUploadPolicy(policy Policy) Option {
	return func(p *Pipeline) {
		p.uploadPolicy = policy
	}
}

type Pipeline struct {
	filter       resize.InterpolationFunction
	uploadPolicy Policy
}

func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		filter:       resize.Lanczos3,
		uploadPolicy: PolicyInvert,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Output is the model input together with the 28x28 image it was built from.
type Output struct {
	Tensor   *Tensor
	View     *image.Gray
	Policy   Policy
	Inverted bool
}

// PolicyFor returns the polarity policy applied to images of the given kind.
func (p *Pipeline) PolicyFor(kind ingest.Kind) Policy {
	if kind.Drawn() {
		return PolicyKeep
	}
	return p.uploadPolicy
}

func (p *Pipeline) UploadPolicy() Policy {
	return p.uploadPolicy
}

// Normalize runs the pipeline on a decoded image using the policy for its kind.
func (p *Pipeline) Normalize(raw *ingest.RawImage) (*Output, error) {
	if raw == nil || raw.Image == nil {
		return nil, ingest.ErrNoImageProvided
	}
	return p.NormalizeImage(raw.Image, p.PolicyFor(raw.Kind))
}

// NormalizeImage converts img to grayscale, resizes it to 28x28 without keeping
// the aspect ratio, applies policy and scales to [0,1].
func (p *Pipeline) NormalizeImage(img image.Image, policy Policy) (*Output, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ingest.ErrImageDecode)
	}

	view := p.resize(toGray(img))

	invert := false
	switch policy {
	case PolicyInvert:
		invert = true
	case PolicyKeep:
	case PolicyAuto:
		invert = borderMean(view) > 127.5
	default:
		return nil, fmt.Errorf("unknown polarity policy %q", policy)
	}
	if invert {
		for i, v := range view.Pix {
			view.Pix[i] = 255 - v
		}
	}

	t := newTensor(Height, Width)
	for y := 0; y < Height; y++ {
		row := view.Pix[y*view.Stride : y*view.Stride+Width]
		for x, v := range row {
			t.Data[y*Width+x] = float32(v) / 255.0
		}
	}

	return &Output{Tensor: t, View: view, Policy: policy, Inverted: invert}, nil
}

// toGray returns a fresh luminance copy of img anchored at (0,0). Alpha is
// ignored: a transparent black pixel is black.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	if src, ok := img.(*image.Gray); ok {
		for y := 0; y < b.Dy(); y++ {
			i := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(gray.Pix[y*gray.Stride:y*gray.Stride+b.Dx()], src.Pix[i:i+b.Dx()])
		}
		return gray
	}

	// Grayscale keeps R=G=B=luma in a non-premultiplied NRGBA.
	lum := imaging.Grayscale(img)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			gray.Pix[y*gray.Stride+x] = lum.Pix[y*lum.Stride+x*4]
		}
	}
	return gray
}

func (p *Pipeline) resize(gray *image.Gray) *image.Gray {
	if gray.Bounds().Dx() == Width && gray.Bounds().Dy() == Height {
		return gray
	}

	resized := resize.Resize(Width, Height, gray, p.filter)
	if g, ok := resized.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	return toGray(resized)
}

func borderMean(g *image.Gray) float64 {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	var sum, n float64
	for x := 0; x < w; x++ {
		sum += float64(g.GrayAt(x, 0).Y) + float64(g.GrayAt(x, h-1).Y)
		n += 2
	}
	for y := 1; y < h-1; y++ {
		sum += float64(g.GrayAt(0, y).Y) + float64(g.GrayAt(w-1, y).Y)
		n += 2
	}
	return sum / n
}
