package imaging

import (
	"bytes"
	"image"
	"io"

	// decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/cyverse/thumbcache/commons"
	log "github.com/sirupsen/logrus"
	"go4.org/syncutil"
	"golang.org/x/image/draw"
	"golang.org/x/xerrors"
)

var (
	errInvalidBounds = xerrors.New("image header reports empty bounds")
)

// Downsampler decodes sources at a power-of-two subsampling factor.
// Peak pixel memory of concurrent decodes is bounded by a byte semaphore.
type Downsampler struct {
	opener          SourceOpener
	decodeMemoryMax int64
	decodeSem       *syncutil.Sem
	scaler          draw.Scaler
}

// NewDownsampler creates a new Downsampler
func NewDownsampler(opener SourceOpener, decodeMemoryMax int64) *Downsampler {
	if decodeMemoryMax < 1 {
		decodeMemoryMax = 1
	}

	return &Downsampler{
		opener:          opener,
		decodeMemoryMax: decodeMemoryMax,
		decodeSem:       syncutil.NewSem(decodeMemoryMax),
		scaler:          draw.ApproxBiLinear,
	}
}

// decodedBytesPerPixel returns the bytes per pixel of the image a decoder of format produces
func decodedBytesPerPixel(format string) int64 {
	switch format {
	case "jpeg":
		// YCbCr, at most one byte per channel
		return 3
	case "gif":
		// paletted
		return 1
	default:
		return bytesPerPixel
	}
}

// estimateDecodeMemory returns the bytes held while decoding a width x height
// image of format at the given factor, including the scaled copy
func estimateDecodeMemory(format string, width int, height int, sampleSize int) int64 {
	ramSize := int64(width) * int64(height) * decodedBytesPerPixel(format)
	if sampleSize > 1 {
		ramSize += int64(scaledDimension(width, sampleSize)) * int64(scaledDimension(height, sampleSize)) * bytesPerPixel
	}
	return ramSize
}

// ComputeSampleSize returns the subsampling factor for decoding a naturalWidth x naturalHeight
// image for a reqWidth x reqHeight target.
// Starting at 1, the factor doubles while both halved natural dimensions divided by it still
// cover the request; the first factor that fails the check is returned. Images already
// within the request on both axes get 1.
func ComputeSampleSize(naturalWidth int, naturalHeight int, reqWidth int, reqHeight int) int {
	if reqWidth < 1 {
		reqWidth = 1
	}

	if reqHeight < 1 {
		reqHeight = 1
	}

	sampleSize := 1
	if naturalHeight > reqHeight || naturalWidth > reqWidth {
		halfHeight := naturalHeight / 2
		halfWidth := naturalWidth / 2

		for (halfHeight/sampleSize) >= reqHeight && (halfWidth/sampleSize) >= reqWidth {
			sampleSize *= 2
		}
	}

	return sampleSize
}

// scaledDimension returns the length of an axis decoded at the given factor
func scaledDimension(natural int, sampleSize int) int {
	scaled := (natural + sampleSize - 1) / sampleSize
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

// imageConfigFromReader calls image.DecodeConfig on r. It returns an
// io.Reader that is the concatenation of the bytes read and the remaining r,
// the image configuration, and the error from image.DecodeConfig.
func imageConfigFromReader(r io.Reader) (io.Reader, image.Config, string, error) {
	header := new(bytes.Buffer)
	tr := io.TeeReader(r, header)
	config, format, err := image.DecodeConfig(tr)
	return io.MultiReader(header, r), config, format, err
}

// BoundsOnly returns the natural size of the source, decoding only its header
func (sampler *Downsampler) BoundsOnly(sourceID string) (int, int, error) {
	reader, err := sampler.opener.Open(sourceID)
	if err != nil {
		return 0, 0, commons.NewSourceUnreadableError(sourceID, err)
	}
	defer reader.Close()

	config, _, err := image.DecodeConfig(reader)
	if err != nil {
		return 0, 0, commons.NewSourceUnreadableError(sourceID, err)
	}

	if config.Width <= 0 || config.Height <= 0 {
		return 0, 0, commons.NewSourceUnreadableError(sourceID, errInvalidBounds)
	}

	return config.Width, config.Height, nil
}

// DecodeAt re-opens the source and decodes it at the given subsampling factor
func (sampler *Downsampler) DecodeAt(sourceID string, sampleSize int) (*Bitmap, error) {
	logger := log.WithFields(log.Fields{
		"package":  "imaging",
		"struct":   "Downsampler",
		"function": "DecodeAt",
	})

	if sampleSize < 1 {
		sampleSize = 1
	}

	reader, err := sampler.opener.Open(sourceID)
	if err != nil {
		return nil, commons.NewSourceUnreadableError(sourceID, err)
	}
	defer reader.Close()

	tr, config, format, err := imageConfigFromReader(reader)
	if err != nil {
		return nil, commons.NewDecodeFailedError(sourceID, sampleSize, err)
	}

	ramSize := estimateDecodeMemory(format, config.Width, config.Height, sampleSize)
	if ramSize > sampler.decodeMemoryMax {
		// an image larger than the budget waits until it has the whole budget to itself
		logger.Debugf("decode of %s needs %d bytes, over the %d byte budget; decoding it alone", sourceID, ramSize, sampler.decodeMemoryMax)
		ramSize = sampler.decodeMemoryMax
	}

	err = sampler.decodeSem.Acquire(ramSize)
	if err != nil {
		return nil, commons.NewDecodeFailedError(sourceID, sampleSize, xerrors.Errorf("insufficient decode memory for %dx%d image: %w", config.Width, config.Height, err))
	}
	defer sampler.decodeSem.Release(ramSize)

	logger.Debugf("Decoding %s source %s (%dx%d) at sample size %d", format, sourceID, config.Width, config.Height, sampleSize)

	img, _, err := image.Decode(tr)
	if err != nil {
		return nil, commons.NewDecodeFailedError(sourceID, sampleSize, err)
	}

	return NewBitmap(sampler.scale(img, sampleSize), BitmapOriginFullDecode, sampleSize), nil
}

// DecodeFit decodes the source at the sample size computed for the requested dimensions
func (sampler *Downsampler) DecodeFit(sourceID string, reqWidth int, reqHeight int) (*Bitmap, error) {
	naturalWidth, naturalHeight, err := sampler.BoundsOnly(sourceID)
	if err != nil {
		return nil, err
	}

	sampleSize := ComputeSampleSize(naturalWidth, naturalHeight, reqWidth, reqHeight)
	return sampler.DecodeAt(sourceID, sampleSize)
}

// scale shrinks img by the given factor
func (sampler *Downsampler) scale(img image.Image, sampleSize int) image.Image {
	if sampleSize <= 1 {
		return img
	}

	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, scaledDimension(bounds.Dx(), sampleSize), scaledDimension(bounds.Dy(), sampleSize)))
	sampler.scaler.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	return dst
}
