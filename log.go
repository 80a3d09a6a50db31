// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"

	"github.com/meowcoin/meowminer/internal/api"
	"github.com/meowcoin/meowminer/internal/device"
	"github.com/meowcoin/meowminer/internal/ethash"
	"github.com/meowcoin/meowminer/internal/mining"
	"github.com/meowcoin/meowminer/internal/pool"
	"github.com/meowcoin/meowminer/internal/progpow"
)

// logWriter implements an io.Writer that outputs to both standard output
// and the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem. A single backend logger is created and all
// subsystem loggers created from it will write to the backend. When
// adding new subsystems, add the subsystem logger variable here and to
// the subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized
// with a log file. This must be performed early during application
// startup by calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem
	// loggers. The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences
	// will occur.
	backendLog = slog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	log     = backendLog.Logger("MEOW")
	etshLog = backendLog.Logger("ETSH")
	ppowLog = backendLog.Logger("PPOW")
	mineLog = backendLog.Logger("MINE")
	poolLog = backendLog.Logger("POOL")
	devcLog = backendLog.Logger("DEVC")
	apiLog  = backendLog.Logger("API")
)

// Initialize package-global logger variables.
func init() {
	ethash.UseLogger(etshLog)
	progpow.UseLogger(ppowLog)
	mining.UseLogger(mineLog)
	pool.UseLogger(poolLog)
	device.UseLogger(devcLog)
	api.UseLogger(apiLog)
}

// subsystemLoggers maps each subsystem identifier to its associated
// logger.
var subsystemLoggers = map[string]slog.Logger{
	"MEOW": log,
	"ETSH": etshLog,
	"PPOW": ppowLog,
	"MINE": mineLog,
	"POOL": poolLog,
	"DEVC": devcLog,
	"API":  apiLog,
}

// initLogRotator initializes the logging rotator to write logs to
// logFile and create roll files in the same directory. It must be called
// before the package-global log rotator variables are used.
func initLogRotator(logFile string) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}

	logRotator = r
}

// setLogLevel sets the logging level for the provided subsystem. Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	// Ignore invalid subsystems.
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := slog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the
// passed level.
func setLogLevels(logLevel string) {
	// Configure all sub-systems with the new logging level.
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
