// Package observability builds the process loggers. CLILogger is the
// console logger every command shares; NewJobLogger adds a per-job file
// sink inside the job's working directory.
package observability

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// JobLogName is the per-job log file written under logs/ in each
// working directory.
const JobLogName = "csi_si_software.log"

// CLILogger is the shared console logger. It is a no-op until
// InitCLILogger runs, so library code can log unconditionally.
var CLILogger = zap.NewNop()

// InitCLILogger replaces CLILogger with a console logger named after the
// running command. Verbose enables debug output.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	CLILogger = zap.New(core).Named(name)
}

// NewJobLogger tees the base logger into logs/csi_si_software.log under
// workDir. The returned close function flushes and releases the file;
// the console side keeps logging after close.
func NewJobLogger(base *zap.Logger, workDir string) (*zap.Logger, func(), error) {
	if base == nil {
		base = zap.NewNop()
	}
	logDir := filepath.Join(workDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create job log dir: %w", err)
	}
	path := filepath.Join(logDir, JobLogName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open job log: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(f),
		zapcore.DebugLevel,
	)

	logger := base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
	closeFn := func() {
		_ = fileCore.Sync()
		_ = f.Close()
	}
	return logger, closeFn, nil
}
