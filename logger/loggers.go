// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2018 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package logger

import (
	"os"

	"decred.org/dcrwallet/v2/errors"
	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"

	"code.cryptopower.dev/group/brokerage"
	"code.cryptopower.dev/group/brokerage/api"
	"code.cryptopower.dev/group/brokerage/mobilepay"
	"code.cryptopower.dev/group/brokerage/payment"
	"code.cryptopower.dev/group/brokerage/quote"
	"code.cryptopower.dev/group/brokerage/retry"
	"code.cryptopower.dev/group/brokerage/trade"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all subsytem
// loggers created from it will write to the backend.  When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
var (
	// backendLog is the logging backend used to create all subsystem loggers.
	backendLog = slog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	brkrLog  = backendLog.Logger("BRKR")
	apiLog   = backendLog.Logger("BAPI")
	quoteLog = backendLog.Logger("QUOT")
	payLog   = backendLog.Logger("PAYM")
	retryLog = backendLog.Logger("RTRY")
	mpayLog  = backendLog.Logger("MPAY")
	tradeLog = backendLog.Logger("TRAD")
)

// Initialize package-global logger variables.
func init() {
	brokerage.UseLogger(brkrLog)
	api.UseLogger(apiLog)
	quote.UseLogger(quoteLog)
	payment.UseLogger(payLog)
	retry.UseLogger(retryLog)
	mobilepay.UseLogger(mpayLog)
	trade.UseLogger(tradeLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]slog.Logger{
	"BRKR": brkrLog,
	"BAPI": apiLog,
	"QUOT": quoteLog,
	"PAYM": payLog,
	"RTRY": retryLog,
	"MPAY": mpayLog,
	"TRAD": tradeLog,
}

// RegisterLoggers registers all of the subsystem loggers so their levels can
// be managed through SetLogLevel/SetLogLevels.
func RegisterLoggers() {
	New(subsystemLoggers)
}

// InitLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func InitLogRotator(logFile string) error {
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return errors.Errorf("failed to create file rotator: %v", err)
	}

	logRotator = r
	return nil
}

// CloseLogRotator closes the log rotator if it has been initialized.
func CloseLogRotator() {
	if logRotator != nil {
		logRotator.Close()
		logRotator = nil
	}
}
