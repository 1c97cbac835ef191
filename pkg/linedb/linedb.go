// Package linedb maps source lines to the machine addresses compiled from
// them and tracks which of those addresses executed.
//
// A DB is not safe for concurrent use.
package linedb

import (
	"sort"
)

type LineID struct {
	File string
	Line uint
}

type line struct {
	id    LineID
	addrs []uint64
}

type address struct {
	owner *line
	hit   bool
}

type DB struct {
	lines map[LineID]*line
	addrs map[uint64]*address
	files map[string]int
}

func New() *DB {
	return &DB{
		lines: make(map[LineID]*line),
		addrs: make(map[uint64]*address),
		files: make(map[string]int),
	}
}

// Add attaches addr to the line, creating the line on first sight. An address
// keeps the first line that claimed it; Add reports whether addr is now owned
// by the given line.
func (db *DB) Add(file string, lineNo uint, addr uint64) bool {
	id := LineID{File: file, Line: lineNo}
	l, ok := db.lines[id]
	if !ok {
		l = &line{id: id}
		db.lines[id] = l
		db.files[file]++
	}
	if a, ok := db.addrs[addr]; ok {
		return a.owner == l
	}
	db.addrs[addr] = &address{owner: l}
	l.addrs = append(l.addrs, addr)
	return true
}

// Hit marks addr as executed. newly is false when the address was already hit.
func (db *DB) Hit(addr uint64) (known, newly bool) {
	a, ok := db.addrs[addr]
	if !ok {
		return false, false
	}
	if a.hit {
		return true, false
	}
	a.hit = true
	return true, true
}

func (db *DB) Known(addr uint64) bool {
	_, ok := db.addrs[addr]
	return ok
}

func (db *DB) Owner(addr uint64) (LineID, bool) {
	a, ok := db.addrs[addr]
	if !ok {
		return LineID{}, false
	}
	return a.owner.id, true
}

func (db *DB) HasLine(id LineID) bool {
	_, ok := db.lines[id]
	return ok
}

// Count returns the number of hit addresses of a line and the number of
// addresses it owns.
func (db *DB) Count(id LineID) (hits, possible int) {
	l, ok := db.lines[id]
	if !ok {
		return 0, 0
	}
	for _, addr := range l.addrs {
		if db.addrs[addr].hit {
			hits++
		}
	}
	return hits, len(l.addrs)
}

func (db *DB) ClearHits() {
	for _, a := range db.addrs {
		a.hit = false
	}
}

// Lines returns every known line ordered by file and line number.
func (db *DB) Lines() []LineID {
	res := make([]LineID, 0, len(db.lines))
	for id := range db.lines {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].File != res[j].File {
			return res[i].File < res[j].File
		}
		return res[i].Line < res[j].Line
	})
	return res
}

func (db *DB) Files() []string {
	res := make([]string, 0, len(db.files))
	for f := range db.files {
		res = append(res, f)
	}
	sort.Strings(res)
	return res
}

type AddressState struct {
	Addr uint64
	Hit  bool
}

// Addresses returns every known address in ascending order.
func (db *DB) Addresses() []AddressState {
	res := make([]AddressState, 0, len(db.addrs))
	for addr, a := range db.addrs {
		res = append(res, AddressState{Addr: addr, Hit: a.hit})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Addr < res[j].Addr })
	return res
}

func (db *DB) Len() (lines, addrs int) {
	return len(db.lines), len(db.addrs)
}
