package imaging

import (
	"bytes"
	"image/jpeg"
	"io"
	"runtime/debug"

	"github.com/cyverse/thumbcache/commons"
	"github.com/rwcarlsen/goexif/exif"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	// EXIF lives at the head of the file; no need to read further
	exifReadLimit int64 = 2 << 20
)

var (
	// ErrNoEmbeddedThumbnail is returned when the source carries no usable EXIF preview
	ErrNoEmbeddedThumbnail = xerrors.New("no embedded thumbnail")
	// ErrEmbeddedThumbnailTooSmall is returned when the EXIF preview is smaller than the request
	ErrEmbeddedThumbnailTooSmall = xerrors.New("embedded thumbnail is smaller than requested")
)

// IsNoEmbeddedThumbnail tells whether err means that the source has no preview that can serve the request
func IsNoEmbeddedThumbnail(err error) bool {
	return xerrors.Is(err, ErrNoEmbeddedThumbnail) || xerrors.Is(err, ErrEmbeddedThumbnailTooSmall)
}

// ExtractEmbeddedThumbnail returns the JPEG preview stored in the EXIF block of the source.
// The preview is only returned when it covers reqWidth x reqHeight.
func ExtractEmbeddedThumbnail(opener SourceOpener, sourceID string, reqWidth int, reqHeight int) (*Bitmap, error) {
	logger := log.WithFields(log.Fields{
		"package":  "imaging",
		"function": "ExtractEmbeddedThumbnail",
	})

	reader, err := opener.Open(sourceID)
	if err != nil {
		return nil, commons.NewSourceUnreadableError(sourceID, err)
	}
	defer reader.Close()

	thumbnail, err := readEmbeddedThumbnail(io.LimitReader(reader, exifReadLimit))
	if err != nil {
		logger.Debugf("no embedded thumbnail in source %s - %v", sourceID, err)
		return nil, ErrNoEmbeddedThumbnail
	}

	width, height, err := thumbnailBounds(thumbnail)
	if err != nil {
		logger.Debugf("failed to read embedded thumbnail header of source %s - %v", sourceID, err)
		return nil, ErrNoEmbeddedThumbnail
	}

	if width < reqWidth || height < reqHeight {
		return nil, ErrEmbeddedThumbnailTooSmall
	}

	img, err := jpeg.Decode(bytes.NewReader(thumbnail))
	if err != nil {
		logger.Debugf("failed to decode embedded thumbnail of source %s - %v", sourceID, err)
		return nil, ErrNoEmbeddedThumbnail
	}

	return NewBitmap(img, BitmapOriginEmbeddedThumbnail, 1), nil
}

// readEmbeddedThumbnail parses the EXIF block and returns the raw preview bytes.
// Malformed IFD offsets can make the parser index out of range, so panics are turned into errors.
func readEmbeddedThumbnail(r io.Reader) (thumbnail []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Debugf("exif parser panic: %v\n%s", rec, string(debug.Stack()))
			thumbnail = nil
			err = xerrors.Errorf("malformed exif block: %v", rec)
		}
	}()

	x, err := exif.Decode(r)
	if x == nil {
		if err == nil {
			err = xerrors.Errorf("no exif block")
		}
		return nil, err
	}

	if err != nil && exif.IsCriticalError(err) {
		return nil, err
	}

	thumbnail, err = x.JpegThumbnail()
	if err != nil {
		return nil, err
	}

	if len(thumbnail) == 0 {
		return nil, xerrors.Errorf("empty thumbnail")
	}

	return thumbnail, nil
}

// thumbnailBounds returns the size of a JPEG preview without decoding its pixels
func thumbnailBounds(thumbnail []byte) (int, int, error) {
	config, err := jpeg.DecodeConfig(bytes.NewReader(thumbnail))
	if err != nil {
		return 0, 0, err
	}
	return config.Width, config.Height, nil
}
