package imageio

// TIFF-compatible LZW decoder.
//
// TIFF's LZW variant differs from the GIF/PDF form Go's compress/lzw
// implements: TIFF widens the code one code early ("early change"), as soon
// as the next free table slot is one below the current width's limit, where
// GIF waits until the next free slot reaches that limit.
// Go's compress/lzw assumes the GIF ordering and rejects TIFF streams with
// "invalid code", so tiled TIFF/BigTIFF files need this decoder instead.
// The bit layout and code-table construction below follow the TIFF 6.0
// LZW compression section; that ordering is fixed by the file format, not a
// stylistic choice, so the control flow tracks the TIFF 6.0 state machine
// closely even though the surrounding buffer handling is this package's own.

import (
	"errors"
	"fmt"
	"io"
)

const (
	lzwMaxCodeWidth = 12
	lzwClearCode    = 256
	lzwEOICode      = 257
	lzwFirstCode    = 258
	lzwTableSize    = 1 << lzwMaxCodeWidth
)

var (
	errLZWBadWidth      = errors.New("lzw: requested bit width out of range")
	errLZWNoClearCode   = errors.New("lzw: stream does not open with a clear code")
	errLZWExpectLiteral = errors.New("lzw: first code after a clear must be a literal byte")
	errLZWBadCode       = errors.New("lzw: code exceeds the current table size")
)

// tiffLZWCode is one entry of the growing string table: the string it
// represents is its parent's string plus one trailing byte.
type tiffLZWCode struct {
	parent int // -1 for the 256 single-byte seed entries
	char   byte
	size   int
}

// decompressTIFFLZW decompresses one TIFF-style LZW-compressed strip or tile
// (MSB-first bit packing) and returns the plain byte stream.
func decompressTIFFLZW(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := &tiffLZWDecoder{bits: bitCursor{data: data}}
	return dec.run()
}

// bitCursor reads fixed-width, MSB-first bit fields out of a byte slice by
// packing the bytes spanning the request into one window and shifting/
// masking it down, rather than walking bit by bit.
type bitCursor struct {
	data      []byte
	bitOffset int
}

func (c *bitCursor) read(width int) (int, error) {
	if width <= 0 || width > 16 {
		return 0, errLZWBadWidth
	}

	byteStart := c.bitOffset / 8
	byteEnd := (c.bitOffset + width + 7) / 8
	if byteEnd > len(c.data) {
		return 0, io.ErrUnexpectedEOF
	}

	window := 0
	for i := byteStart; i < byteEnd; i++ {
		window = window<<8 | int(c.data[i])
	}
	shift := (byteEnd-byteStart)*8 - (c.bitOffset % 8) - width
	c.bitOffset += width
	return (window >> shift) & ((1 << width) - 1), nil
}

type tiffLZWDecoder struct {
	bits  bitCursor
	table [lzwTableSize]tiffLZWCode
	free  int // next unused table slot
	width int // current code width, in bits
}

func (d *tiffLZWDecoder) reset() {
	for i := 0; i < 256; i++ {
		d.table[i] = tiffLZWCode{parent: -1, char: byte(i), size: 1}
	}
	d.free = lzwFirstCode
	d.width = 9
}

// expand writes the string that code represents into scratch (sized to
// code's length) and returns it, walking the parent chain back to front.
func (d *tiffLZWDecoder) expand(code int, scratch []byte) []byte {
	entry := &d.table[code]
	out := scratch[:entry.size]
	for i := entry.size - 1; code >= 0; i-- {
		e := &d.table[code]
		out[i] = e.char
		code = e.parent
	}
	return out
}

// growTable appends a new entry (parent's string plus firstChar) if room
// remains, and widens the code width once the table is about to outgrow it.
func (d *tiffLZWDecoder) growTable(parent int, firstChar byte) {
	if d.free < lzwTableSize {
		d.table[d.free] = tiffLZWCode{parent: parent, char: firstChar, size: d.table[parent].size + 1}
		d.free++
	}
	if d.free+1 >= (1<<d.width) && d.width < lzwMaxCodeWidth {
		d.width++
	}
}

func (d *tiffLZWDecoder) run() ([]byte, error) {
	d.reset()

	first, err := d.bits.read(d.width)
	if err != nil {
		return nil, err
	}
	if first != lzwClearCode {
		return nil, errLZWNoClearCode
	}

	var out []byte
	scratch := make([]byte, 0, lzwTableSize)
	prev := -1

	for {
		code, err := d.bits.read(d.width)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return out, nil
			}
			return nil, err
		}

		switch {
		case code == lzwEOICode:
			return out, nil

		case code == lzwClearCode:
			d.reset()
			prev = -1
			continue

		case prev == -1:
			if code >= 256 {
				return nil, errLZWExpectLiteral
			}
			out = append(out, byte(code))
			prev = code
			continue

		case code < d.free:
			scratch = d.expand(code, scratch[:cap(scratch)])
			out = append(out, scratch...)
			d.growTable(prev, scratch[0])

		case code == d.free:
			// KwKwK: the encoder referenced an entry it had not yet
			// finished adding; reconstruct it from prev plus its own
			// first byte.
			scratch = d.expand(prev, scratch[:cap(scratch)])
			firstChar := scratch[0]
			out = append(out, scratch...)
			out = append(out, firstChar)
			d.growTable(prev, firstChar)

		default:
			return nil, fmt.Errorf("%w: %d >= %d", errLZWBadCode, code, d.free)
		}

		prev = code
	}
}
