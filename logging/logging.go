/******************************************************************************
 * Copyright (c) 2025-2026 Tenwall Systems Inc.                               *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tenwall/Conduit/global"
)

var levelRank = map[string]int{
	global.LogLevelDebug: 0,
	global.LogLevelInfo:  1,
	global.LogLevelWarn:  2,
	global.LogLevelError: 3,
	global.LogLevelFatal: 4,
}

// Logger writes timestamped, leveled log lines to a file. Writers are safe
// for concurrent use. Logging to stdout is never allowed because stdout
// carries the MCP protocol stream.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	level   int
	logFile *os.File
}

// New creates a logger that appends to the given file path. A leading ~/
// in the path is expanded.
func New(logPath string) (*Logger, error) {
	logPath = global.ExpandHomePath(logPath)

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	return &Logger{
		out:     logFile,
		level:   levelRank[global.LogLevelInfo],
		logFile: logFile,
	}, nil
}

// NewDiscard creates a logger that drops everything. Useful in tests.
func NewDiscard() *Logger {
	return &Logger{out: io.Discard, level: levelRank[global.LogLevelFatal] + 1}
}

// SetLevel sets the minimum level. Unknown level names are ignored.
func (l *Logger) SetLevel(level string) {
	if rank, ok := levelRank[level]; ok {
		l.mu.Lock()
		l.level = rank
		l.mu.Unlock()
	}
}

// Sync flushes buffered log data to disk.
func (l *Logger) Sync() error {
	if l.logFile != nil {
		return l.logFile.Sync()
	}
	return nil
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	if l.logFile != nil {
		_ = l.logFile.Sync()
		return l.logFile.Close()
	}
	return nil
}

func (l *Logger) log(level, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if levelRank[level] < l.level {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05")
	fmt.Fprintf(l.out, "%s [%s] [%d] %s\n", ts, level, os.Getpid(), message)
}

func (l *Logger) Debug(message string) { l.log(global.LogLevelDebug, message) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(global.LogLevelDebug, fmt.Sprintf(format, args...))
}

func (l *Logger) Info(message string) { l.log(global.LogLevelInfo, message) }

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(global.LogLevelInfo, fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(message string) { l.log(global.LogLevelWarn, message) }

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(global.LogLevelWarn, fmt.Sprintf(format, args...))
}

func (l *Logger) Error(message string) { l.log(global.LogLevelError, message) }

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(global.LogLevelError, fmt.Sprintf(format, args...))
}

// Fatal logs the message and exits the process.
func (l *Logger) Fatal(message string) {
	l.log(global.LogLevelFatal, message)
	_ = l.Close()
	os.Exit(1)
}

func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.Fatal(fmt.Sprintf(format, args...))
}
