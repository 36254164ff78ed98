package bmp

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/quarrymem/quarry/enclave"
)

func testAllocator(t *testing.T) *enclave.Allocator {
	t.Helper()

	system, err := enclave.NewSystem(enclave.CreateOptions{EnclaveCount: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, system.Destroy())
	})

	return system.Allocator(0)
}

func u32(value uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return buf[:]
}

func u16(value uint16) []byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return buf[:]
}

// buildBMP assembles a file header, a 40-byte info header and the given
// palette and pixel payload.
func buildBMP(width, height int32, bitCount uint16, clrUsed uint32, palette, pixels []byte) []byte {
	dataOffset := uint32(14 + 40 + len(palette))

	var data []byte
	data = append(data, 'B', 'M')
	data = append(data, u32(dataOffset+uint32(len(pixels)))...)
	data = append(data, u32(0)...)
	data = append(data, u32(dataOffset)...)

	data = append(data, u32(40)...)
	data = append(data, u32(uint32(width))...)
	data = append(data, u32(uint32(height))...)
	data = append(data, u16(1)...)
	data = append(data, u16(bitCount)...)
	data = append(data, u32(0)...) // BI_RGB
	data = append(data, u32(uint32(len(pixels)))...)
	data = append(data, u32(0)...) // x pixels per meter
	data = append(data, u32(0)...) // y pixels per meter
	data = append(data, u32(clrUsed)...)
	data = append(data, u32(0)...) // important colors

	data = append(data, palette...)
	data = append(data, pixels...)
	return data
}

func TestDecodeTrueColorBottomUp(t *testing.T) {
	allocator := testAllocator(t)

	// Rows are stored bottom first, channels as BGR, padded to four bytes.
	pixels := []byte{
		0xFF, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x00, 0x00, // blue, white
		0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00, 0x00, 0x00, // red, green
	}

	img, err := Decode(allocator, buildBMP(2, 2, 24, 0, nil, pixels))
	require.NoError(t, err)
	require.Equal(t, 2, img.Width)
	require.Equal(t, 2, img.Height)

	require.Equal(t, []byte{
		0xFF, 0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00, 0xFF,
		0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	}, img.Pix)
}

func TestDecodePalettedTopDown(t *testing.T) {
	allocator := testAllocator(t)

	palette := []byte{
		0x00, 0x00, 0xFF, 0x00, // entry 0: red
		0xFF, 0x00, 0x00, 0x00, // entry 1: blue
	}
	pixels := []byte{
		0x00, 0x01, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
	}

	img, err := Decode(allocator, buildBMP(2, -2, 8, 2, palette, pixels))
	require.NoError(t, err)

	require.Equal(t, []byte{
		0xFF, 0x00, 0x00, 0xFF, 0x00, 0x00, 0xFF, 0xFF,
		0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0xFF,
	}, img.Pix)
}

func TestDecodeOneBitPaletted(t *testing.T) {
	allocator := testAllocator(t)

	palette := []byte{
		0x00, 0x00, 0x00, 0x00, // entry 0: black
		0xFF, 0xFF, 0xFF, 0x00, // entry 1: white
	}
	// Two rows of four pixels, one bit each from the high bit down. Bottom-up
	// storage, so the stored first row is the image's bottom row.
	pixels := []byte{
		0xA0, 0x00, 0x00, 0x00, // 1010 -> white black white black
		0x50, 0x00, 0x00, 0x00, // 0101 -> black white black white
	}

	img, err := Decode(allocator, buildBMP(4, 2, 1, 2, palette, pixels))
	require.NoError(t, err)

	white := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	black := []byte{0x00, 0x00, 0x00, 0xFF}

	require.Equal(t, black, img.Pix[0:4])
	require.Equal(t, white, img.Pix[4:8])
	require.Equal(t, white, img.Pix[16:20])
	require.Equal(t, black, img.Pix[20:24])
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	allocator := testAllocator(t)

	data := buildBMP(2, 2, 24, 0, nil, make([]byte, 16))
	data[0] = 'X'

	_, err := Decode(allocator, data)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrBadMagic))
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	allocator := testAllocator(t)

	full := buildBMP(2, 2, 24, 0, nil, make([]byte, 16))

	_, err := Decode(allocator, full[:10])
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTruncated))

	_, err = Decode(allocator, full[:len(full)-4])
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTruncated))
}

func TestDecodeRejectsUnsupportedCompression(t *testing.T) {
	allocator := testAllocator(t)

	data := buildBMP(2, 2, 8, 2, make([]byte, 8), make([]byte, 8))
	copy(data[14+16:], u32(1)) // BI_RLE8

	_, err := Decode(allocator, data)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnsupported))
}

func TestDecodeBitfields565(t *testing.T) {
	allocator := testAllocator(t)

	var data []byte
	data = append(data, 'B', 'M')
	data = append(data, u32(70)...)
	data = append(data, u32(0)...)
	data = append(data, u32(66)...) // pixels follow the masks

	data = append(data, u32(40)...)
	data = append(data, u32(1)...)
	data = append(data, u32(1)...)
	data = append(data, u16(1)...)
	data = append(data, u16(16)...)
	data = append(data, u32(3)...) // BI_BITFIELDS
	data = append(data, u32(4)...)
	data = append(data, u32(0)...)
	data = append(data, u32(0)...)
	data = append(data, u32(0)...)
	data = append(data, u32(0)...)

	data = append(data, u32(0xF800)...)
	data = append(data, u32(0x07E0)...)
	data = append(data, u32(0x001F)...)

	data = append(data, u16(0xF800)...) // pure red
	data = append(data, u16(0)...)      // row padding

	img, err := Decode(allocator, data)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF, 0x00, 0x00, 0xFF}, img.Pix)
}

func TestFxPt2Dot30(t *testing.T) {
	require.Equal(t, uint32(2), FxPt2Dot30(0x80000000).Integer())
	require.Equal(t, uint32(0), FxPt2Dot30(0x80000000).Fraction())
	require.InDelta(t, 2.0, FxPt2Dot30(0x80000000).Float64(), 1e-12)

	half := FxPt2Dot30(0xE0000000)
	require.Equal(t, uint32(3), half.Integer())
	require.Equal(t, uint32(0x20000000), half.Fraction())
	require.InDelta(t, 3.5, half.Float64(), 1e-12)

	// The fraction mask keeps exactly the low 30 bits.
	edge := FxPt2Dot30(0xBFFFFFFF)
	require.Equal(t, uint32(2), edge.Integer())
	require.Equal(t, uint32(0x3FFFFFFF), edge.Fraction())
}
