/*
Copyright (C) 2024-2026  DriftDB Authors

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package event

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
)

// Frame format (shared with the WAL):
//
//	u32 length (little-endian) | JSON payload bytes | u32 crc32 of payload
//
// Frames are never rewritten in place. A frame is valid iff its length is
// within the remaining bytes of the file and its CRC matches.

// Encode serialises e into a single frame.
func Encode(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: encode: %w", err)
	}
	buf := make([]byte, 4+len(payload)+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:4+len(payload)], payload)
	binary.LittleEndian.PutUint32(buf[4+len(payload):], crc32.ChecksumIEEE(payload))
	return buf, nil
}

// WriteTo writes a single framed event to w and returns the number of
// bytes written.
func WriteTo(w io.Writer, e Event) (int, error) {
	buf, err := Encode(e)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	return n, err
}

// Reader decodes a stream of framed events from an underlying
// io.Reader, tracking the byte offset it has consumed so a caller can
// truncate at the first bad frame.
type Reader struct {
	r      io.Reader
	offset int64
}

// NewReader wraps r. r is consumed sequentially; Reader does not seek.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Offset returns the number of bytes successfully consumed so far, i.e.
// the offset at which the next frame begins, or at which a truncation
// should occur if the next frame is corrupt.
func (r *Reader) Offset() int64 { return r.offset }

// ReadNext reads one frame. It returns (event, true, nil) on success,
// (zero, false, nil) on clean EOF (no partial frame present), and
// (zero, false, err) when a frame is present but malformed, the caller
// should truncate the underlying file at r.Offset().
func (r *Reader) ReadNext() (Event, bool, error) {
	var lenBuf [4]byte
	n, err := io.ReadFull(r.r, lenBuf[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return Event{}, false, nil
		}
		// torn length prefix: not durably written.
		return Event{}, false, io.ErrUnexpectedEOF
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return Event{}, false, io.ErrUnexpectedEOF
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r.r, crcBuf[:]); err != nil {
		return Event{}, false, io.ErrUnexpectedEOF
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])
	gotCRC := crc32.ChecksumIEEE(payload)
	if wantCRC != gotCRC {
		return Event{}, false, fmt.Errorf("event: crc mismatch at offset %d", r.offset)
	}
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, false, fmt.Errorf("event: malformed json at offset %d: %w", r.offset, err)
	}
	r.offset += int64(4 + len(payload) + 4)
	return e, true, nil
}

// ReadAll decodes every well-formed frame in sequence. It never returns a
// parse error mid-scan: it stops at the first bad frame and reports the
// offset that a caller should truncate to, preserving all prior events.
func ReadAll(r io.Reader) (events []Event, corruptAt int64, corrupt bool) {
	rd := NewReader(r)
	for {
		e, ok, err := rd.ReadNext()
		if err != nil {
			return events, rd.Offset(), true
		}
		if !ok {
			return events, rd.Offset(), false
		}
		events = append(events, e)
	}
}

// ScanForCorruption walks every frame without materialising events,
// returning the byte offset of the first unreadable frame, if any.
func ScanForCorruption(r io.Reader) (offset int64, found bool) {
	rd := NewReader(r)
	for {
		_, ok, err := rd.ReadNext()
		if err != nil {
			return rd.Offset(), true
		}
		if !ok {
			return rd.Offset(), false
		}
	}
}
