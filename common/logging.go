// Package common provides the logging infrastructure shared by every
// gatekeeper component.
//
// Output routing: entries rendered with "level=error" (text format) or
// "\"level\":\"error\"" (JSON format) are written to stderr, everything else
// to stdout. Container runtimes can then collect both streams separately.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level.
type OutputSplitter struct{}

func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if isErrorLine(p) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

func isErrorLine(p []byte) bool {
	return bytes.Contains(p, []byte("level=error")) ||
		bytes.Contains(p, []byte(`"level":"error"`)) ||
		bytes.Contains(p, []byte("level=fatal")) ||
		bytes.Contains(p, []byte(`"level":"fatal"`))
}

// Logger is the process-wide logger. cli replaces it at startup with one
// built from configuration; packages that are handed no logger fall back to it.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
