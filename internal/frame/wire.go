// Package frame implements the monitor wire format: a little-endian u32 total
// length followed by exactly four length-prefixed encoded still images.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"pkt.systems/piclient/schema"
)

const lengthSize = 4

// DefaultMaxFrameBytes caps a declared frame length.
const DefaultMaxFrameBytes = 64 << 20

// ReadFrame reads one length-prefixed frame payload from r. A short read of
// the header or payload (including a clean EOF) returns schema.ErrStreamEnd.
// A declared length above maxBytes returns schema.ErrFrameTooLarge without
// consuming the payload.
func ReadFrame(r io.Reader, maxBytes int) ([]byte, error) {
	var header [lengthSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, streamErr(err)
	}
	size := binary.LittleEndian.Uint32(header[:])
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	if uint64(size) > uint64(maxBytes) {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", schema.ErrFrameTooLarge, size, maxBytes)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, streamErr(err)
	}
	return payload, nil
}

func streamErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", schema.ErrStreamEnd, err)
	}
	return err
}

// Parse splits a frame payload into its sub-image records. Every record must
// fit inside the payload; trailing bytes after the last record are ignored.
func Parse(payload []byte) ([schema.SubImagesPerFrame][]byte, error) {
	var records [schema.SubImagesPerFrame][]byte
	offset := 0
	for i := range records {
		if len(payload)-offset < lengthSize {
			return records, fmt.Errorf("%w: record %d header truncated", schema.ErrDecode, i)
		}
		size := binary.LittleEndian.Uint32(payload[offset:])
		offset += lengthSize
		if uint64(size) > uint64(len(payload)-offset) {
			return records, fmt.Errorf("%w: record %d declares %d bytes, %d left", schema.ErrDecode, i, size, len(payload)-offset)
		}
		end := offset + int(size)
		records[i] = payload[offset:end:end]
		offset = end
	}
	return records, nil
}

// Encode writes one frame built from the given encoded images.
func Encode(w io.Writer, images [schema.SubImagesPerFrame][]byte) error {
	total := 0
	for _, img := range images {
		total += lengthSize + len(img)
	}
	if uint64(total) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", schema.ErrFrameTooLarge, total)
	}
	var buf bytes.Buffer
	buf.Grow(lengthSize + total)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(total))
	for _, img := range images {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(img)))
		buf.Write(img)
	}
	_, err := w.Write(buf.Bytes())
	return err
}
