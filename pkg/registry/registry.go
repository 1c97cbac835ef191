// Package registry selects an implementation for a file by asking every
// registered candidate how well it can handle it.
package registry

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// HeaderSize is the number of leading file bytes handed to matchers.
const HeaderSize = 512

var ErrNoMatch = errors.New("no registered implementation matches")

// Matcher scores how well an implementation handles a file. Zero means it
// cannot handle the file at all.
type Matcher func(path string, header []byte) int

type entry[T any] struct {
	name  string
	match Matcher
	value T
}

// Registry holds candidates in registration order.
type Registry[T any] struct {
	entries []entry[T]
}

func New[T any]() *Registry[T] {
	return &Registry[T]{}
}

func (r *Registry[T]) Register(name string, match Matcher, value T) {
	r.entries = append(r.entries, entry[T]{name: name, match: match, value: value})
}

func (r *Registry[T]) Names() []string {
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.name)
	}
	return names
}

// Match returns the candidate with the highest score for the header. On a tie
// the earliest registration wins.
func (r *Registry[T]) Match(path string, header []byte) (string, T, error) {
	var (
		best      T
		bestName  string
		bestScore int
	)
	for _, e := range r.entries {
		if s := e.match(path, header); s > bestScore {
			best, bestName, bestScore = e.value, e.name, s
		}
	}
	if bestScore == 0 {
		return "", best, fmt.Errorf("%s: %w", path, ErrNoMatch)
	}
	return bestName, best, nil
}

// Best reads the head of the file at path and matches it.
func (r *Registry[T]) Best(path string) (string, T, error) {
	var zero T
	header, err := readHeader(path)
	if err != nil {
		return "", zero, err
	}
	return r.Match(path, header)
}

func readHeader(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	buf := make([]byte, HeaderSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return buf[:n], nil
}
