package imaging

import (
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/xerrors"
)

// BitmapOrigin tells which lookup stage produced a bitmap
type BitmapOrigin int

const (
	BitmapOriginUnknown BitmapOrigin = iota
	BitmapOriginDiskCache
	BitmapOriginEmbeddedThumbnail
	BitmapOriginFullDecode
)

// String returns the origin in string
func (origin BitmapOrigin) String() string {
	switch origin {
	case BitmapOriginDiskCache:
		return "disk_cache"
	case BitmapOriginEmbeddedThumbnail:
		return "embedded_thumbnail"
	case BitmapOriginFullDecode:
		return "full_decode"
	default:
		return "unknown"
	}
}

const (
	bytesPerPixel int64 = 4
	jpegQuality   int   = 90
)

// Bitmap is a decoded, downsampled image. It is immutable once created,
// so the same Bitmap can be held by the memory cache and by any number of slots.
type Bitmap struct {
	image      image.Image
	origin     BitmapOrigin
	sampleSize int
}

// NewBitmap creates a new Bitmap
func NewBitmap(img image.Image, origin BitmapOrigin, sampleSize int) *Bitmap {
	if sampleSize < 1 {
		sampleSize = 1
	}

	return &Bitmap{
		image:      img,
		origin:     origin,
		sampleSize: sampleSize,
	}
}

// GetImage returns the image
func (bitmap *Bitmap) GetImage() image.Image {
	return bitmap.image
}

// GetWidth returns width in pixels
func (bitmap *Bitmap) GetWidth() int {
	return bitmap.image.Bounds().Dx()
}

// GetHeight returns height in pixels
func (bitmap *Bitmap) GetHeight() int {
	return bitmap.image.Bounds().Dy()
}

// GetOrigin returns the lookup stage that produced the bitmap
func (bitmap *Bitmap) GetOrigin() BitmapOrigin {
	return bitmap.origin
}

// GetSampleSize returns the subsampling factor the bitmap was decoded at
func (bitmap *Bitmap) GetSampleSize() int {
	return bitmap.sampleSize
}

// GetByteCost returns the in-memory cost of the bitmap, as 32-bit pixels
func (bitmap *Bitmap) GetByteCost() int64 {
	return int64(bitmap.GetWidth()) * int64(bitmap.GetHeight()) * bytesPerPixel
}

// WithOrigin returns a copy sharing pixel data but reporting another origin
func (bitmap *Bitmap) WithOrigin(origin BitmapOrigin) *Bitmap {
	return &Bitmap{
		image:      bitmap.image,
		origin:     origin,
		sampleSize: bitmap.sampleSize,
	}
}

type opaquer interface {
	Opaque() bool
}

// EncodeBitmap writes the bitmap in its disk storage format.
// Opaque bitmaps are stored as JPEG, others as PNG to keep the alpha channel.
// It returns the format name.
func EncodeBitmap(w io.Writer, bitmap *Bitmap) (string, error) {
	if bitmap == nil || bitmap.image == nil {
		return "", xerrors.Errorf("failed to encode an empty bitmap")
	}

	img := bitmap.GetImage()
	if o, ok := img.(opaquer); ok && !o.Opaque() {
		err := png.Encode(w, img)
		if err != nil {
			return "", xerrors.Errorf("failed to encode bitmap as png: %w", err)
		}
		return "png", nil
	}

	err := jpeg.Encode(w, img, &jpeg.Options{
		Quality: jpegQuality,
	})
	if err != nil {
		return "", xerrors.Errorf("failed to encode bitmap as jpeg: %w", err)
	}
	return "jpeg", nil
}

// DecodeBitmap reads a bitmap written by EncodeBitmap
func DecodeBitmap(r io.Reader) (*Bitmap, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, xerrors.Errorf("failed to decode stored bitmap: %w", err)
	}

	return NewBitmap(img, BitmapOriginDiskCache, 1), nil
}
