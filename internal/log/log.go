// Package log wraps logrus the way the reference daemon's fs package wraps
// the standard logger: every call is prefixed by the object it concerns
// (a session, a listener, the daemon itself) so a busy log stays
// greppable per client.
package log

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// SetLevel adjusts the package-wide verbosity. verbose=true selects Debug.
func SetLevel(verbose bool) {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// SetJSON switches the formatter to JSON, for deployments that ship logs to
// a collector rather than a terminal.
func SetJSON(json bool) {
	if json {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

func prefix(o interface{}) string {
	if o == nil {
		return ""
	}
	if s, ok := o.(string); ok {
		return s
	}
	if stringer, ok := o.(fmt.Stringer); ok {
		return stringer.String()
	}
	return fmt.Sprintf("%v", o)
}

// Logf writes an info-level line tagged with o (a session, address, or any
// value with a useful String()/fmt form).
func Logf(o interface{}, format string, args ...interface{}) {
	logrus.Infof("%s: %s", prefix(o), fmt.Sprintf(format, args...))
}

// Infof is an alias of Logf kept for parity with the reference daemon's
// naming, used where a call site reads better as "info" than "log".
func Infof(o interface{}, format string, args ...interface{}) {
	Logf(o, format, args...)
}

// Debugf writes a debug-level line, suppressed unless SetLevel(true) was
// called.
func Debugf(o interface{}, format string, args ...interface{}) {
	logrus.Debugf("%s: %s", prefix(o), fmt.Sprintf(format, args...))
}

// Errorf writes an error-level line.
func Errorf(o interface{}, format string, args ...interface{}) {
	logrus.Errorf("%s: %s", prefix(o), fmt.Sprintf(format, args...))
}
