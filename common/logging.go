// Package common provides the shared logging infrastructure for the
// collaboration service. It is built on logrus with output routing that
// sends error-level lines to stderr and everything else to stdout, so
// container platforms and scripts can treat the two streams differently.
package common

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr or stdout based on
// their level. It works on the final formatted output, so it is compatible
// with both the text and JSON formatters.
type OutputSplitter struct{}

// Write implements io.Writer. Lines containing an error-level marker go to
// stderr; all other lines go to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte(`level=error`)) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance used across the service. All
// components log through it so formatting and routing stay uniform.
var Logger = logrus.New()

// ConfigureLogging applies the configured level and format to the global
// logger. Unknown values fall back to info/text.
func ConfigureLogging(level, format string) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		Logger.SetLevel(lvl)
	} else {
		Logger.SetLevel(logrus.InfoLevel)
	}

	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}
}

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
