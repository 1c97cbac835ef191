package output

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const DatabaseFile = "coverage.db"

// Coverage is the persisted state of a run.
type Coverage interface {
	Marshal() []byte
	Unmarshal(data []byte) error
}

// DatabaseWriter keeps coverage.db in the output directory so that several
// runs of the same binary accumulate.
type DatabaseWriter struct {
	logger log.Logger
	fs     afero.Fs
	path   string
	cov    Coverage
}

func NewDatabaseWriter(logger log.Logger, fs afero.Fs, dir string, cov Coverage) *DatabaseWriter {
	return &DatabaseWriter{
		logger: log.With(logger, "writer", "database"),
		fs:     fs,
		path:   filepath.Join(dir, DatabaseFile),
		cov:    cov,
	}
}

func (w *DatabaseWriter) Name() string { return "database" }

// OnStartup loads the previous run. Data of another binary or in another
// format is dropped as a whole.
func (w *DatabaseWriter) OnStartup(context.Context) error {
	if err := w.fs.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}
	data, err := afero.ReadFile(w.fs, w.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read %s", w.path)
	}
	if err := w.cov.Unmarshal(data); err != nil {
		level.Info(w.logger).Log("msg", "discarding previous coverage", "path", w.path, "reason", err)
		return nil
	}
	level.Debug(w.logger).Log("msg", "loaded previous coverage", "path", w.path, "size", len(data))
	return nil
}

func (w *DatabaseWriter) Write(context.Context) error {
	return writeFileAtomic(w.fs, w.path, w.cov.Marshal())
}

func (w *DatabaseWriter) OnStop(context.Context) error { return nil }
