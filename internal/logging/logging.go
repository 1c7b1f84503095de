// Package logging builds the logrus logger shared by every lunar-bot component.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Options controls logger construction
type Options struct {
	Level  string // logrus level name, defaults to info
	Format string // "json" or "text"
	Output io.Writer
}

// New returns a configured logger. An unknown level falls back to info with a warning.
func New(opts Options) *logrus.Logger {
	log := logrus.New()
	if opts.Output != nil {
		log.SetOutput(opts.Output)
	}

	if strings.EqualFold(opts.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		log.SetFormatter(NewTextFormatter())
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		log.SetLevel(logrus.InfoLevel)
		if opts.Level != "" {
			log.WithFields(logrus.Fields{
				"attempted_level": opts.Level,
				"default_level":   "info",
			}).Warn("invalid log level, defaulting to info")
		}
		return log
	}
	log.SetLevel(level)
	return log
}

// Discard returns a logger that drops everything, for tests
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// TextFormatter renders "time LEVEL msg key=value ..." with colored level and sorted fields
type TextFormatter struct {
	TimestampFormat string
	DisableColors   bool
}

// NewTextFormatter creates a TextFormatter with RFC3339 timestamps
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{TimestampFormat: time.RFC3339}
}

// Format implements logrus.Formatter
func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	lc := levelColor(entry.Level)
	keyColor := color.New(color.FgCyan)
	if f.DisableColors {
		lc.DisableColor()
		keyColor.DisableColor()
	}

	b.WriteString(entry.Time.Format(f.TimestampFormat))
	b.WriteByte(' ')
	b.WriteString(lc.Sprintf("%-7s", strings.ToUpper(entry.Level.String())))
	b.WriteByte(' ')
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", keyColor.Sprint(k), entry.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func levelColor(level logrus.Level) *color.Color {
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return color.New(color.FgHiBlack)
	case logrus.WarnLevel:
		return color.New(color.FgYellow)
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgGreen)
	}
}
