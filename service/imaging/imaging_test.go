package imaging

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cyverse/thumbcache/commons"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTestJPEG(t *testing.T, width int, height int) []byte {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y += 7 {
		for x := 0; x < width; x += 5 {
			img.SetGray(x, y, color.Gray{Y: uint8((x + y) % 256)})
		}
	}

	buf := &bytes.Buffer{}
	err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 75})
	require.NoError(t, err)
	return buf.Bytes()
}

func encodeTestPNG(t *testing.T, width int, height int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 128})

	buf := &bytes.Buffer{}
	err := png.Encode(buf, img)
	require.NoError(t, err)
	return buf.Bytes()
}

// withExifThumbnail prepends an APP1 EXIF segment carrying thumbnail as its IFD1 preview
func withExifThumbnail(t *testing.T, mainJPEG []byte, thumbnail []byte) []byte {
	le := binary.LittleEndian

	const ifd0Offset = 8
	const ifd0Size = 2 + 12 + 4
	const ifd1Offset = ifd0Offset + ifd0Size
	const ifd1Size = 2 + 2*12 + 4
	const thumbnailOffset = ifd1Offset + ifd1Size

	tiff := &bytes.Buffer{}
	tiff.WriteString("II")
	binary.Write(tiff, le, uint16(42))
	binary.Write(tiff, le, uint32(ifd0Offset))

	// IFD0: orientation
	binary.Write(tiff, le, uint16(1))
	binary.Write(tiff, le, uint16(0x0112))
	binary.Write(tiff, le, uint16(3)) // SHORT
	binary.Write(tiff, le, uint32(1))
	binary.Write(tiff, le, uint16(1))
	binary.Write(tiff, le, uint16(0))
	binary.Write(tiff, le, uint32(ifd1Offset))

	// IFD1: preview offset and length
	binary.Write(tiff, le, uint16(2))
	binary.Write(tiff, le, uint16(0x0201))
	binary.Write(tiff, le, uint16(4)) // LONG
	binary.Write(tiff, le, uint32(1))
	binary.Write(tiff, le, uint32(thumbnailOffset))
	binary.Write(tiff, le, uint16(0x0202))
	binary.Write(tiff, le, uint16(4))
	binary.Write(tiff, le, uint32(1))
	binary.Write(tiff, le, uint32(len(thumbnail)))
	binary.Write(tiff, le, uint32(0))

	require.Equal(t, thumbnailOffset, tiff.Len())
	tiff.Write(thumbnail)

	payload := append([]byte("Exif\x00\x00"), tiff.Bytes()...)
	require.Less(t, len(payload)+2, 0xFFFF)

	out := &bytes.Buffer{}
	out.Write([]byte{0xFF, 0xD8, 0xFF, 0xE1})
	binary.Write(out, binary.BigEndian, uint16(len(payload)+2))
	out.Write(payload)
	// main image without its SOI marker
	out.Write(mainJPEG[2:])
	return out.Bytes()
}

func writeTestSource(t *testing.T, dir string, name string, data []byte) {
	err := os.WriteFile(filepath.Join(dir, name), data, 0o644)
	require.NoError(t, err)
}

func TestComputeSampleSize(t *testing.T) {
	testCases := []struct {
		naturalWidth  int
		naturalHeight int
		reqWidth      int
		reqHeight     int
		expected      int
	}{
		{4000, 3000, 100, 100, 16},
		{100, 100, 100, 100, 1},
		{50, 40, 100, 100, 1},
		{200, 200, 100, 100, 2},
		{400, 400, 100, 100, 4},
		{399, 399, 100, 100, 2},
		{4000, 3000, 4000, 10, 1},
		{4000, 3000, 0, 0, 2048},
		{1, 1, 0, -5, 1},
	}

	for _, testCase := range testCases {
		sampleSize := ComputeSampleSize(testCase.naturalWidth, testCase.naturalHeight, testCase.reqWidth, testCase.reqHeight)
		assert.Equal(t, testCase.expected, sampleSize, "%dx%d for %dx%d", testCase.naturalWidth, testCase.naturalHeight, testCase.reqWidth, testCase.reqHeight)
	}
}

func TestBoundsOnly(t *testing.T) {
	dir := t.TempDir()
	writeTestSource(t, dir, "a.jpg", encodeTestJPEG(t, 320, 240))
	writeTestSource(t, dir, "garbage.jpg", []byte("this is not an image"))

	sampler := NewDownsampler(NewFileSourceOpener(dir), commons.DecodeMemoryMaxDefault)

	width, height, err := sampler.BoundsOnly("a.jpg")
	require.NoError(t, err)
	assert.Equal(t, 320, width)
	assert.Equal(t, 240, height)

	_, _, err = sampler.BoundsOnly("missing.jpg")
	assert.True(t, commons.IsSourceUnreadableError(err))

	_, _, err = sampler.BoundsOnly("garbage.jpg")
	assert.True(t, commons.IsSourceUnreadableError(err))

	_, _, err = sampler.BoundsOnly("../outside.jpg")
	assert.True(t, commons.IsSourceUnreadableError(err))
}

func TestDecodeFit(t *testing.T) {
	dir := t.TempDir()
	writeTestSource(t, dir, "large.jpg", encodeTestJPEG(t, 4000, 3000))

	sampler := NewDownsampler(NewFileSourceOpener(dir), commons.DecodeMemoryMaxDefault)

	bitmap, err := sampler.DecodeFit("large.jpg", 100, 100)
	require.NoError(t, err)
	assert.Equal(t, 250, bitmap.GetWidth())
	assert.Equal(t, 188, bitmap.GetHeight())
	assert.Equal(t, 16, bitmap.GetSampleSize())
	assert.Equal(t, BitmapOriginFullDecode, bitmap.GetOrigin())
	assert.Equal(t, int64(250*188*4), bitmap.GetByteCost())
}

func TestDecodeAtSmallSource(t *testing.T) {
	dir := t.TempDir()
	writeTestSource(t, dir, "small.png", encodeTestPNG(t, 30, 20))

	sampler := NewDownsampler(NewFileSourceOpener(dir), commons.DecodeMemoryMaxDefault)

	bitmap, err := sampler.DecodeFit("small.png", 100, 100)
	require.NoError(t, err)
	assert.Equal(t, 30, bitmap.GetWidth())
	assert.Equal(t, 20, bitmap.GetHeight())
	assert.Equal(t, 1, bitmap.GetSampleSize())
}

func TestDecodeAtFailures(t *testing.T) {
	dir := t.TempDir()
	data := encodeTestJPEG(t, 640, 480)
	writeTestSource(t, dir, "truncated.jpg", data[:len(data)/2])
	writeTestSource(t, dir, "ok.jpg", data)

	sampler := NewDownsampler(NewFileSourceOpener(dir), commons.DecodeMemoryMaxDefault)

	_, err := sampler.DecodeAt("truncated.jpg", 2)
	assert.True(t, commons.IsDecodeFailedError(err))

	_, err = sampler.DecodeAt("missing.jpg", 2)
	assert.True(t, commons.IsSourceUnreadableError(err))

}

func TestDecodeAtOverMemoryBudget(t *testing.T) {
	dir := t.TempDir()
	writeTestSource(t, dir, "ok.jpg", encodeTestJPEG(t, 640, 480))

	// far smaller than one decode, which then runs alone on the whole budget
	tinySampler := NewDownsampler(NewFileSourceOpener(dir), 1024)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			bitmap, err := tinySampler.DecodeAt("ok.jpg", 2)
			if assert.NoError(t, err) {
				assert.Equal(t, 320, bitmap.GetWidth())
				assert.Equal(t, 240, bitmap.GetHeight())
			}
		}()
	}
	wg.Wait()

	// the budget is whole again
	bitmap, err := tinySampler.DecodeFit("ok.jpg", 100, 100)
	require.NoError(t, err)
	assert.Equal(t, 160, bitmap.GetWidth())
}

func TestEstimateDecodeMemory(t *testing.T) {
	assert.Equal(t, int64(400*300*3), estimateDecodeMemory("jpeg", 400, 300, 1))
	assert.Equal(t, int64(400*300*3+200*150*4), estimateDecodeMemory("jpeg", 400, 300, 2))
	assert.Equal(t, int64(400*300*4), estimateDecodeMemory("png", 400, 300, 1))
	assert.Equal(t, int64(400*300*1+100*75*4), estimateDecodeMemory("gif", 400, 300, 4))
}

func TestExtractEmbeddedThumbnail(t *testing.T) {
	dir := t.TempDir()
	preview := encodeTestJPEG(t, 160, 120)
	writeTestSource(t, dir, "exif.jpg", withExifThumbnail(t, encodeTestJPEG(t, 1600, 1200), preview))
	writeTestSource(t, dir, "plain.jpg", encodeTestJPEG(t, 1600, 1200))
	writeTestSource(t, dir, "plain.png", encodeTestPNG(t, 64, 64))

	opener := NewFileSourceOpener(dir)

	bitmap, err := ExtractEmbeddedThumbnail(opener, "exif.jpg", 100, 100)
	require.NoError(t, err)
	assert.Equal(t, 160, bitmap.GetWidth())
	assert.Equal(t, 120, bitmap.GetHeight())
	assert.Equal(t, BitmapOriginEmbeddedThumbnail, bitmap.GetOrigin())

	_, err = ExtractEmbeddedThumbnail(opener, "exif.jpg", 200, 100)
	assert.ErrorIs(t, err, ErrEmbeddedThumbnailTooSmall)
	assert.True(t, IsNoEmbeddedThumbnail(err))

	_, err = ExtractEmbeddedThumbnail(opener, "plain.jpg", 100, 100)
	assert.ErrorIs(t, err, ErrNoEmbeddedThumbnail)

	_, err = ExtractEmbeddedThumbnail(opener, "plain.png", 10, 10)
	assert.ErrorIs(t, err, ErrNoEmbeddedThumbnail)

	_, err = ExtractEmbeddedThumbnail(opener, "missing.jpg", 10, 10)
	assert.True(t, commons.IsSourceUnreadableError(err))

	// the main image still decodes through the EXIF segment
	sampler := NewDownsampler(opener, commons.DecodeMemoryMaxDefault)
	width, height, err := sampler.BoundsOnly("exif.jpg")
	require.NoError(t, err)
	assert.Equal(t, 1600, width)
	assert.Equal(t, 1200, height)
}

func TestEncodeDecodeBitmap(t *testing.T) {
	opaque := NewBitmap(image.NewGray(image.Rect(0, 0, 40, 30)), BitmapOriginFullDecode, 4)
	buf := &bytes.Buffer{}
	format, err := EncodeBitmap(buf, opaque)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)

	decoded, err := DecodeBitmap(buf)
	require.NoError(t, err)
	assert.Equal(t, 40, decoded.GetWidth())
	assert.Equal(t, 30, decoded.GetHeight())
	assert.Equal(t, BitmapOriginDiskCache, decoded.GetOrigin())

	translucent := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	buf.Reset()
	format, err = EncodeBitmap(buf, NewBitmap(translucent, BitmapOriginFullDecode, 1))
	require.NoError(t, err)
	assert.Equal(t, "png", format)

	_, err = EncodeBitmap(buf, nil)
	assert.Error(t, err)

	_, err = DecodeBitmap(bytes.NewReader([]byte("junk")))
	assert.Error(t, err)
}

func TestSourceOpenerFunc(t *testing.T) {
	dir := t.TempDir()
	writeTestSource(t, dir, "a.png", encodeTestPNG(t, 12, 10))

	opened := 0
	opener := SourceOpenerFunc(func(sourceID string) (io.ReadCloser, error) {
		opened++
		return os.Open(filepath.Join(dir, sourceID))
	})

	width, height, err := NewDownsampler(opener, commons.DecodeMemoryMaxDefault).BoundsOnly("a.png")
	require.NoError(t, err)
	assert.Equal(t, 12, width)
	assert.Equal(t, 10, height)
	assert.Equal(t, 1, opened)
}
