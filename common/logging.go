// Package common provides the shared logging and error infrastructure for
// the qsrgraph ingestion system.
//
// The logging side is built on logrus with an output splitter that routes
// error-level lines to stderr and everything else to stdout, so container
// orchestrators and shell scripts can treat the two streams differently.
// All components log through the global Logger with structured fields
// (process_id, stage, component) for consistent downstream parsing.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level. It operates on the final formatted output, so it works with
// both the text and JSON logrus formatters.
type OutputSplitter struct{}

// Write implements io.Writer. Lines containing "level=error" go to stderr;
// everything else goes to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance. Services customize the formatter
// and level per environment after import; the output splitter is always
// installed.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies the logging section of the loaded configuration
// to the global logger.
func ConfigureLogger(level, format string) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		Logger.SetLevel(lvl)
	}
	switch format {
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
