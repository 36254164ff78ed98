// Package bmp decodes Windows bitmap images into RGBA pixel data. It is a
// client of the enclave allocator: the color palette, bounded scratch data, is
// allocated from an enclave and returned before Decode exits, while the
// channel masks live in the parsed header and the decoded pixel buffer is
// ordinary Go memory since it
// routinely exceeds the allocator's largest block size.
package bmp

import (
	"encoding/binary"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/quarrymem/quarry/enclave"
)

var (
	// ErrBadMagic is returned for data that does not start with the BM
	// signature.
	ErrBadMagic error = errors.New("the data is not a BMP file")
	// ErrTruncated is returned when the data ends before the structures it
	// declares.
	ErrTruncated error = errors.New("the BMP data is truncated")
	// ErrUnsupported is returned for valid BMP files using a compression or
	// bit depth the decoder does not handle.
	ErrUnsupported error = errors.New("the BMP variant is not supported")
)

const (
	fileHeaderSize = 14
	infoHeaderSize = 40
	v4HeaderSize   = 108
	v5HeaderSize   = 124

	compressionRGB       = 0
	compressionBitfields = 3
)

// FxPt2Dot30 is the fixed-point format of CIEXYZ color-space endpoints in V4
// and V5 headers: a 2-bit integer part and a 30-bit fraction.
type FxPt2Dot30 uint32

const fxFractionMask = 0x3fffffff

// Integer returns the 2-bit integer part.
func (f FxPt2Dot30) Integer() uint32 {
	return uint32(f) >> 30
}

// Fraction returns the 30-bit fraction as a numerator over 2^30.
func (f FxPt2Dot30) Fraction() uint32 {
	return uint32(f) & fxFractionMask
}

// Float64 returns the value as a float.
func (f FxPt2Dot30) Float64() float64 {
	return float64(f.Integer()) + float64(f.Fraction())/float64(1<<30)
}

// CIEXYZ is one color-space endpoint from a V4 or V5 header.
type CIEXYZ struct {
	X, Y, Z FxPt2Dot30
}

// Image is a decoded bitmap. Pix holds Width*Height pixels in RGBA order,
// top row first.
type Image struct {
	Width  int
	Height int
	Pix    []byte

	// Endpoints holds the red, green and blue color-space endpoints as stored
	// in a V4 or V5 header, whatever its color-space type; for a file with the
	// plain info header all entries are zero.
	Endpoints [3]CIEXYZ
}

type header struct {
	dataOffset  int
	width       int
	height      int
	topDown     bool
	bitCount    int
	compression uint32
	paletteCt   int
	paletteOff  int

	redMask   uint32
	greenMask uint32
	blueMask  uint32
	alphaMask uint32

	endpoints [3]CIEXYZ
}

// Decode parses data as a BMP file and returns the decoded image. Scratch
// allocations are drawn from alloc and freed before Decode returns, including
// on error paths.
func Decode(alloc *enclave.Allocator, data []byte) (*Image, error) {
	hdr, err := parseHeaders(data)
	if err != nil {
		return nil, err
	}

	// Size the output only after the input proves it holds the pixel rows the
	// header declares.
	if _, _, err = pixelRows(data, hdr); err != nil {
		return nil, err
	}

	img := &Image{
		Width:     hdr.width,
		Height:    hdr.height,
		Pix:       make([]byte, hdr.width*hdr.height*4),
		Endpoints: hdr.endpoints,
	}

	switch {
	case hdr.compression == compressionRGB && hdr.bitCount <= 8:
		err = decodePaletted(alloc, data, hdr, img)
	case hdr.compression == compressionRGB && (hdr.bitCount == 24 || hdr.bitCount == 32):
		err = decodeTrueColor(data, hdr, img)
	case hdr.compression == compressionBitfields && (hdr.bitCount == 16 || hdr.bitCount == 32):
		err = decodeBitfields(data, hdr, img)
	default:
		err = cerrors.Wrapf(ErrUnsupported, "compression %d at %d bits per pixel", hdr.compression, hdr.bitCount)
	}
	if err != nil {
		return nil, err
	}

	return img, nil
}

func parseHeaders(data []byte) (*header, error) {
	if len(data) < fileHeaderSize+infoHeaderSize {
		return nil, cerrors.Wrapf(ErrTruncated, "%d bytes cannot hold the file and info headers", len(data))
	}
	if data[0] != 'B' || data[1] != 'M' {
		return nil, cerrors.Wrapf(ErrBadMagic, "signature %#02x%02x", data[0], data[1])
	}

	hdr := &header{
		dataOffset: int(binary.LittleEndian.Uint32(data[10:14])),
	}

	info := data[fileHeaderSize:]
	headerSize := int(binary.LittleEndian.Uint32(info[0:4]))
	if headerSize != infoHeaderSize && headerSize != v4HeaderSize && headerSize != v5HeaderSize {
		return nil, cerrors.Wrapf(ErrUnsupported, "info header of %d bytes", headerSize)
	}
	if len(info) < headerSize {
		return nil, cerrors.Wrapf(ErrTruncated, "the declared %d-byte info header is cut short", headerSize)
	}

	hdr.width = int(int32(binary.LittleEndian.Uint32(info[4:8])))
	rawHeight := int(int32(binary.LittleEndian.Uint32(info[8:12])))
	hdr.height = rawHeight
	if rawHeight < 0 {
		hdr.height = -rawHeight
		hdr.topDown = true
	}
	hdr.bitCount = int(binary.LittleEndian.Uint16(info[14:16]))
	hdr.compression = binary.LittleEndian.Uint32(info[16:20])

	if hdr.width <= 0 || hdr.height <= 0 {
		return nil, cerrors.Wrapf(ErrUnsupported, "%dx%d image dimensions", hdr.width, rawHeight)
	}

	switch hdr.bitCount {
	case 1, 4, 8, 16, 24, 32:
	default:
		return nil, cerrors.Wrapf(ErrUnsupported, "%d bits per pixel", hdr.bitCount)
	}

	if hdr.bitCount <= 8 {
		hdr.paletteCt = int(binary.LittleEndian.Uint32(info[32:36]))
		if hdr.paletteCt == 0 {
			hdr.paletteCt = 1 << hdr.bitCount
		}
		if hdr.paletteCt > 256 {
			return nil, cerrors.Wrapf(ErrUnsupported, "palette of %d colors", hdr.paletteCt)
		}
		hdr.paletteOff = fileHeaderSize + headerSize
	}

	if hdr.compression == compressionBitfields {
		if headerSize == infoHeaderSize {
			// The three channel masks follow the plain info header.
			maskOff := fileHeaderSize + infoHeaderSize
			if len(data) < maskOff+12 {
				return nil, cerrors.Wrap(ErrTruncated, "the bitfield masks are cut short")
			}
			hdr.redMask = binary.LittleEndian.Uint32(data[maskOff : maskOff+4])
			hdr.greenMask = binary.LittleEndian.Uint32(data[maskOff+4 : maskOff+8])
			hdr.blueMask = binary.LittleEndian.Uint32(data[maskOff+8 : maskOff+12])
		} else {
			hdr.redMask = binary.LittleEndian.Uint32(info[40:44])
			hdr.greenMask = binary.LittleEndian.Uint32(info[44:48])
			hdr.blueMask = binary.LittleEndian.Uint32(info[48:52])
			hdr.alphaMask = binary.LittleEndian.Uint32(info[52:56])
		}
		if hdr.redMask == 0 || hdr.greenMask == 0 || hdr.blueMask == 0 {
			return nil, cerrors.Wrap(ErrUnsupported, "a zero bitfield channel mask")
		}
	}

	if headerSize >= v4HeaderSize {
		for endpoint := 0; endpoint < 3; endpoint++ {
			base := 60 + endpoint*12
			hdr.endpoints[endpoint] = CIEXYZ{
				X: FxPt2Dot30(binary.LittleEndian.Uint32(info[base : base+4])),
				Y: FxPt2Dot30(binary.LittleEndian.Uint32(info[base+4 : base+8])),
				Z: FxPt2Dot30(binary.LittleEndian.Uint32(info[base+8 : base+12])),
			}
		}
	}

	return hdr, nil
}

// rowStride is the byte length of one stored row, padded to four bytes.
func rowStride(width, bitCount int) int {
	return ((width*bitCount + 31) / 32) * 4
}

// destRow maps a stored row index to the output row, honoring bottom-up
// storage.
func destRow(hdr *header, row int) int {
	if hdr.topDown {
		return row
	}
	return hdr.height - 1 - row
}

func pixelRows(data []byte, hdr *header) ([]byte, int, error) {
	stride := rowStride(hdr.width, hdr.bitCount)
	need := hdr.dataOffset + stride*hdr.height
	if len(data) < need {
		return nil, 0, cerrors.Wrapf(ErrTruncated, "%d bytes of pixel data are missing", need-len(data))
	}
	return data[hdr.dataOffset:], stride, nil
}

func decodePaletted(alloc *enclave.Allocator, data []byte, hdr *header, img *Image) error {
	paletteEnd := hdr.paletteOff + hdr.paletteCt*4
	if len(data) < paletteEnd {
		return cerrors.Wrap(ErrTruncated, "the color palette is cut short")
	}

	// The palette is converted BGRA to RGBA once, into enclave scratch, so
	// per-pixel lookups are a straight copy.
	palette, err := enclave.Alloc[[4]byte](alloc, hdr.paletteCt)
	if err != nil {
		return cerrors.Wrap(err, "failed to allocate palette scratch")
	}
	defer enclave.Free(alloc, palette)

	for i := 0; i < hdr.paletteCt; i++ {
		entry := data[hdr.paletteOff+i*4:]
		palette[i] = [4]byte{entry[2], entry[1], entry[0], 0xFF}
	}

	rows, stride, err := pixelRows(data, hdr)
	if err != nil {
		return err
	}

	pixelsPerByte := 8 / hdr.bitCount
	mask := byte(1<<hdr.bitCount - 1)

	for row := 0; row < hdr.height; row++ {
		src := rows[row*stride:]
		dst := img.Pix[destRow(hdr, row)*hdr.width*4:]

		for x := 0; x < hdr.width; x++ {
			shift := uint((pixelsPerByte - 1 - x%pixelsPerByte) * hdr.bitCount)
			index := int(src[x/pixelsPerByte] >> shift & mask)
			if index >= hdr.paletteCt {
				return cerrors.Wrapf(ErrUnsupported, "pixel references palette entry %d of %d", index, hdr.paletteCt)
			}
			copy(dst[x*4:x*4+4], palette[index][:])
		}
	}

	return nil
}

func decodeTrueColor(data []byte, hdr *header, img *Image) error {
	rows, stride, err := pixelRows(data, hdr)
	if err != nil {
		return err
	}

	bytesPerPixel := hdr.bitCount / 8

	for row := 0; row < hdr.height; row++ {
		src := rows[row*stride:]
		dst := img.Pix[destRow(hdr, row)*hdr.width*4:]

		for x := 0; x < hdr.width; x++ {
			pixel := src[x*bytesPerPixel:]
			dst[x*4] = pixel[2]
			dst[x*4+1] = pixel[1]
			dst[x*4+2] = pixel[0]
			dst[x*4+3] = 0xFF
		}
	}

	return nil
}

// channelScale converts a masked channel value to 8 bits regardless of the
// mask's width and position.
type channelScale struct {
	shift uint
	max   uint32
}

func scaleForMask(mask uint32) channelScale {
	shift := uint(0)
	for mask&1 == 0 {
		mask >>= 1
		shift++
	}
	return channelScale{shift: shift, max: mask}
}

func (c channelScale) apply(pixel uint32) byte {
	value := pixel >> c.shift & c.max
	return byte(value * 255 / c.max)
}

func decodeBitfields(data []byte, hdr *header, img *Image) error {
	rows, stride, err := pixelRows(data, hdr)
	if err != nil {
		return err
	}

	red := scaleForMask(hdr.redMask)
	green := scaleForMask(hdr.greenMask)
	blue := scaleForMask(hdr.blueMask)

	var alpha channelScale
	if hdr.alphaMask != 0 {
		alpha = scaleForMask(hdr.alphaMask)
	}

	bytesPerPixel := hdr.bitCount / 8

	for row := 0; row < hdr.height; row++ {
		src := rows[row*stride:]
		dst := img.Pix[destRow(hdr, row)*hdr.width*4:]

		for x := 0; x < hdr.width; x++ {
			var pixel uint32
			if bytesPerPixel == 2 {
				pixel = uint32(binary.LittleEndian.Uint16(src[x*2 : x*2+2]))
			} else {
				pixel = binary.LittleEndian.Uint32(src[x*4 : x*4+4])
			}

			dst[x*4] = red.apply(pixel)
			dst[x*4+1] = green.apply(pixel)
			dst[x*4+2] = blue.apply(pixel)
			if hdr.alphaMask != 0 {
				dst[x*4+3] = alpha.apply(pixel)
			} else {
				dst[x*4+3] = 0xFF
			}
		}
	}

	return nil
}
