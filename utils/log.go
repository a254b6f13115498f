package utils

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// ParseLevel accepts trace, debug, info, warn, error (case-insensitive).
func ParseLevel(s string) (hclog.Level, error) {
	lvl := hclog.LevelFromString(strings.TrimSpace(s))
	if lvl == hclog.NoLevel {
		return hclog.NoLevel, errors.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// FileLogger is an hclog.Logger that appends to a file and, optionally,
// mirrors every line to stdout.
type FileLogger struct {
	hclog.Logger
	file *os.File
}

// NewFileLogger appends to filePath, mirroring to stdout when alsoStdout
// is set.
func NewFileLogger(filePath string, level hclog.Level, alsoStdout bool) (*FileLogger, error) {
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open log file")
	}
	var out io.Writer = f
	if alsoStdout {
		out = io.MultiWriter(f, os.Stdout)
	}
	l := hclog.New(&hclog.LoggerOptions{
		Name:   "diffdrive",
		Level:  level,
		Output: out,
	})
	return &FileLogger{Logger: l, file: f}, nil
}

func (l *FileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
