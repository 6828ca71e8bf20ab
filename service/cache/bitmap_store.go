package cache

import (
	"github.com/cyverse/thumbcache/service/imaging"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// LoadBitmap reads and decodes the bitmap stored for the key.
// An entry that cannot be decoded is removed and reported as a miss.
func LoadBitmap(store BlobStore, key string) (*imaging.Bitmap, bool) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"function": "LoadBitmap",
	})

	reader, ok := store.Get(key)
	if !ok {
		return nil, false
	}
	defer reader.Close()

	bitmap, err := imaging.DecodeBitmap(reader)
	if err != nil {
		logger.WithError(err).Warnf("removing undecodable entry %s", key)
		store.Remove(key)
		return nil, false
	}

	return bitmap, true
}

// StoreBitmap encodes the bitmap and commits it under the key
func StoreBitmap(store BlobStore, key string, bitmap *imaging.Bitmap) error {
	editor, err := store.BeginWrite(key)
	if err != nil {
		return err
	}

	_, err = imaging.EncodeBitmap(editor, bitmap)
	if err != nil {
		editor.Abort()
		return xerrors.Errorf("failed to store bitmap %s: %w", key, err)
	}

	return editor.Commit()
}
