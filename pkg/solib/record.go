// Package solib learns about shared objects the traced program loads, from
// reports a preloaded shim writes into a FIFO.
package solib

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/grafana/linecov/pkg/debuginfo"
)

const (
	Magic       = 0x6b636f76
	Version     = 3
	NameSize    = 1024
	MaxSegments = 64
	// MaxEntries bounds a single report.
	MaxEntries = 1 << 16

	headerSize  = 4 + 4 + 8 + 4
	segmentSize = 3 * 8
	entrySize   = NameSize + 4 + MaxSegments*segmentSize
)

var (
	ErrBadMagic        = errors.New("bad record magic")
	ErrBadVersion      = errors.New("unsupported record version")
	ErrTruncated       = errors.New("truncated record")
	ErrTooManySegments = errors.New("too many segments")
	ErrTooManyEntries  = errors.New("too many entries")

	errNameTooLong = errors.New("module name too long")
)

// The shim writes in the byte order of the machine both sides run on.
var byteOrder = binary.NativeEndian

type Module struct {
	Name     string
	Segments []debuginfo.Segment
}

// Record is one report: every object loaded in the process at that moment.
type Record struct {
	// Relocation is the load bias of the first object, the main executable.
	Relocation uint64
	Modules    []Module
}

// Decode reads one record. It returns io.EOF when r is exhausted before a
// record starts.
func Decode(r io.Reader) (*Record, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	if m := byteOrder.Uint32(hdr[0:]); m != Magic {
		return nil, fmt.Errorf("%w: %#x", ErrBadMagic, m)
	}
	if v := byteOrder.Uint32(hdr[4:]); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	rec := &Record{Relocation: byteOrder.Uint64(hdr[8:])}
	n := byteOrder.Uint32(hdr[16:])
	if n > MaxEntries {
		return nil, fmt.Errorf("%w: %d", ErrTooManyEntries, n)
	}
	rec.Modules = make([]Module, 0, n)
	buf := make([]byte, entrySize)
	for i := uint32(0); i < n; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, ErrTruncated
		}
		m, err := decodeEntry(buf)
		if err != nil {
			return nil, err
		}
		rec.Modules = append(rec.Modules, m)
	}
	return rec, nil
}

func decodeEntry(buf []byte) (Module, error) {
	name := buf[:NameSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	m := Module{Name: string(name)}
	nseg := byteOrder.Uint32(buf[NameSize:])
	if nseg > MaxSegments {
		return Module{}, fmt.Errorf("%w: %d", ErrTooManySegments, nseg)
	}
	off := NameSize + 4
	for i := uint32(0); i < nseg; i++ {
		m.Segments = append(m.Segments, debuginfo.Segment{
			PAddr: byteOrder.Uint64(buf[off:]),
			VAddr: byteOrder.Uint64(buf[off+8:]),
			Size:  byteOrder.Uint64(buf[off+16:]),
		})
		off += segmentSize
	}
	return m, nil
}

// MarshalBinary encodes the record the way the shim writes it.
func (rec *Record) MarshalBinary() ([]byte, error) {
	buf := make([]byte, headerSize, headerSize+len(rec.Modules)*entrySize)
	byteOrder.PutUint32(buf[0:], Magic)
	byteOrder.PutUint32(buf[4:], Version)
	byteOrder.PutUint64(buf[8:], rec.Relocation)
	byteOrder.PutUint32(buf[16:], uint32(len(rec.Modules)))
	for _, m := range rec.Modules {
		if len(m.Name) >= NameSize {
			return nil, errNameTooLong
		}
		if len(m.Segments) > MaxSegments {
			return nil, ErrTooManySegments
		}
		entry := make([]byte, entrySize)
		copy(entry, m.Name)
		byteOrder.PutUint32(entry[NameSize:], uint32(len(m.Segments)))
		off := NameSize + 4
		for _, s := range m.Segments {
			byteOrder.PutUint64(entry[off:], s.PAddr)
			byteOrder.PutUint64(entry[off+8:], s.VAddr)
			byteOrder.PutUint64(entry[off+16:], s.Size)
			off += segmentSize
		}
		buf = append(buf, entry...)
	}
	return buf, nil
}
