// Package output renders coverage periodically and once more at shutdown.
package output

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Writer renders the current state somewhere. Write may run concurrently
// with the trace loop but never concurrently with itself.
type Writer interface {
	Name() string
	OnStartup(ctx context.Context) error
	Write(ctx context.Context) error
	OnStop(ctx context.Context) error
}

// Limits are the coverage percentages below which a file is reported as low
// and from which it is reported as high.
type Limits struct {
	Low  int
	High int
}

var DefaultLimits = Limits{Low: 25, High: 75}

type Status string

const (
	StatusLow    Status = "low"
	StatusMedium Status = "medium"
	StatusHigh   Status = "high"
)

func (l Limits) Status(percent float64) Status {
	switch {
	case percent < float64(l.Low):
		return StatusLow
	case percent >= float64(l.High):
		return StatusHigh
	}
	return StatusMedium
}

// StripPath keeps the last level components of path. Zero keeps it whole.
func StripPath(path string, level int) string {
	if level <= 0 {
		return path
	}
	parts := strings.Split(strings.TrimPrefix(filepath.ToSlash(path), "/"), "/")
	if len(parts) <= level {
		return path
	}
	return filepath.Join(parts[len(parts)-level:]...)
}

// writeFileAtomic replaces path so that readers never see a partial file.
func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return err
	}
	return fs.Rename(tmp, path)
}
