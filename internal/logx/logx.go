// Package logx configures the process-wide zerolog logger.
package logx

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// L is the global logger. Packages that need a logger before Init runs get a
// sane console default so early-startup log lines are never silently dropped.
var L = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

// Options controls where logs go and how noisy they are.
type Options struct {
	Level     string
	Path      string
	ToConsole bool
}

// Init reconfigures L from Options. Call once during startup after config is
// loaded.
func Init(opts Options) error {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if opts.ToConsole || opts.Path == "" {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout})
	}
	if opts.Path != "" {
		f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = os.Stdout
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	L = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return nil
}
