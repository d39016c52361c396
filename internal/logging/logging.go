// Package logging provides the package-level loggers used throughout
// dcgka-core, wrapping go-log so every subsystem logs through the same
// leveled, structured sink.
package logging

import (
	golog "github.com/ipfs/go-log/v2"
)

// StandardLogger is the interface every package-level `logger` variable
// satisfies: Infof, Warnf, Errorf, Debugf and friends.
type StandardLogger = golog.StandardLogger

// Logger returns a named logger for the given subsystem, e.g.
//
//	var logger = logging.Logger("dcgka")
func Logger(subsystem string) StandardLogger {
	return golog.Logger(subsystem)
}

// SetLevel sets the log level for every subsystem at once.
func SetLevel(level string) error {
	return golog.SetLogLevel("*", level)
}
