// Package klog sets up the module's logging backend the way the teacher
// repo's root logging.go does: try syslog first, fall back to a
// colorized stderr backend, with an environment variable able to
// override the configured level.
package klog

import (
	stdlog "log"
	"log/syslog"
	"os"

	"github.com/op/go-logging"
)

var syslogFormat = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.6s} ▶ %{message}`,
)

var stderrFormat = logging.MustStringFormatter(
	`%{color}ycybridge ▶ %{message}%{color:reset}`,
)

// Setup configures the global go-logging backend and returns a logger for
// prefix. trySyslog attempts a syslog backend first; on any failure (or
// when trySyslog is false) it falls back to a colorized stderr backend.
// The YCY_LOG_LEVEL environment variable, if set to one of go-logging's
// level names, overrides defaultLevel.
func Setup(prefix string, defaultLevel logging.Level, trySyslog bool) *logging.Logger {
	var backend logging.Backend
	if trySyslog {
		b, err := logging.NewSyslogBackendPriority(prefix, syslog.LOG_NOTICE)
		if err == nil {
			logging.SetFormatter(syslogFormat)
			if syslogBackend, ok := b.(*logging.SyslogBackend); ok {
				stdlog.SetOutput(syslogBackend.Writer)
			}
			backend = b
		}
	}
	if backend == nil {
		backend = logging.NewLogBackend(os.Stderr, prefix, 0)
		logging.SetFormatter(stderrFormat)
	}

	leveled := logging.AddModuleLevel(backend)
	switch os.Getenv("YCY_LOG_LEVEL") {
	case "CRITICAL":
		leveled.SetLevel(logging.CRITICAL, prefix)
	case "ERROR":
		leveled.SetLevel(logging.ERROR, prefix)
	case "WARNING":
		leveled.SetLevel(logging.WARNING, prefix)
	case "NOTICE":
		leveled.SetLevel(logging.NOTICE, prefix)
	case "INFO":
		leveled.SetLevel(logging.INFO, prefix)
	case "DEBUG":
		leveled.SetLevel(logging.DEBUG, prefix)
	default:
		leveled.SetLevel(defaultLevel, prefix)
	}

	logging.SetBackend(leveled)
	return logging.MustGetLogger(prefix)
}
