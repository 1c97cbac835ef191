package reporter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/go-kit/log/level"
)

const (
	Magic   uint32 = 0x6b636f76
	Version uint32 = 1

	dbHeaderSize = 16
	dbPairSize   = 16
)

var (
	ErrTruncated   = errors.New("coverage database truncated")
	ErrBadMagic    = errors.New("not a coverage database")
	ErrBadVersion  = errors.New("unsupported coverage database version")
	ErrBadChecksum = errors.New("coverage database belongs to another binary")
)

// Marshal encodes every known address with its hit state, followed by the
// buffered hits of addresses whose line is not known yet.
func (r *Reporter) Marshal() []byte {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	states := r.db.Addresses()
	pending := make([]uint64, 0, len(r.pending))
	for addr := range r.pending {
		pending = append(pending, addr)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	buf := make([]byte, dbHeaderSize, dbHeaderSize+(len(states)+len(pending))*dbPairSize)
	binary.BigEndian.PutUint32(buf[0:], Magic)
	binary.BigEndian.PutUint32(buf[4:], Version)
	binary.BigEndian.PutUint64(buf[8:], r.checksum)
	for _, s := range states {
		var hits uint64
		if s.Hit {
			hits = 1
		}
		buf = binary.BigEndian.AppendUint64(buf, s.Addr)
		buf = binary.BigEndian.AppendUint64(buf, hits)
	}
	for _, addr := range pending {
		buf = binary.BigEndian.AppendUint64(buf, addr)
		buf = binary.BigEndian.AppendUint64(buf, 1)
	}
	return buf
}

// Unmarshal replaces the current hits with the ones in data. Nothing is
// applied unless the whole database is valid for the current binary.
func (r *Reporter) Unmarshal(data []byte) error {
	if len(data) < dbHeaderSize || (len(data)-dbHeaderSize)%dbPairSize != 0 {
		return ErrTruncated
	}
	if m := binary.BigEndian.Uint32(data[0:]); m != Magic {
		return fmt.Errorf("%w: magic %#x", ErrBadMagic, m)
	}
	if v := binary.BigEndian.Uint32(data[4:]); v != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	if c := binary.BigEndian.Uint64(data[8:]); c != r.checksum {
		return fmt.Errorf("%w: checksum %#x, want %#x", ErrBadChecksum, c, r.checksum)
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.db.ClearHits()
	clear(r.pending)
	var applied, pending int
	for off := dbHeaderSize; off < len(data); off += dbPairSize {
		addr := binary.BigEndian.Uint64(data[off:])
		if binary.BigEndian.Uint64(data[off+8:]) == 0 {
			continue
		}
		if known, _ := r.db.Hit(addr); !known {
			r.pending[addr] = struct{}{}
			pending++
			continue
		}
		applied++
	}
	level.Debug(r.logger).Log("msg", "loaded coverage database", "hits", applied, "pending", pending)
	return nil
}
