package logutil

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
)

// Log output formats.
const (
	FormatAuto    = "auto"
	FormatConsole = "console"
	FormatJSON    = "json"
)

var levels = map[string]log.Level{
	"trace": log.TraceLevel,
	"debug": log.DebugLevel,
	"info":  log.InfoLevel,
	"warn":  log.WarnLevel,
	"error": log.ErrorLevel,
}

// Setup configures log.DefaultLogger. "auto" writes colored console output when stderr is
// a terminal and JSON lines otherwise.
func Setup(level string, format string) error {
	logger, err := New(level, format, os.Stderr)
	if err != nil {
		return err
	}
	log.DefaultLogger = logger
	return nil
}

// New builds a logger writing to w.
func New(level string, format string, w io.Writer) (log.Logger, error) {
	parsedLevel, ok := levels[strings.ToLower(level)]
	if !ok {
		return log.Logger{}, fmt.Errorf("unknown log level %q", level)
	}

	var writer log.Writer
	switch strings.ToLower(format) {
	case FormatConsole:
		writer = &log.ConsoleWriter{Writer: w, ColorOutput: isTerminal(w)}
	case FormatJSON:
		writer = &log.IOWriter{Writer: w}
	case FormatAuto, "":
		if isTerminal(w) {
			writer = &log.ConsoleWriter{Writer: w, ColorOutput: true}
		} else {
			writer = &log.IOWriter{Writer: w}
		}
	default:
		return log.Logger{}, fmt.Errorf("unknown log format %q", format)
	}

	return log.Logger{
		Level:      parsedLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		Writer:     writer,
	}, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
