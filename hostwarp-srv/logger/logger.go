package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity of a log message
type LogLevel int32

const (
	// TRACE level for per-byte-chunk and state machine transitions
	TRACE LogLevel = iota
	// DEBUG level for detailed troubleshooting information
	DEBUG
	// INFO level for general operational information
	INFO
	// WARN level for non-critical issues
	WARN
	// ERROR level for error conditions
	ERROR
	// FATAL level for critical errors that prevent operation
	FATAL
)

// FileConfig configures an additional rotated log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	// level is read from every session goroutine and changed on reload
	level atomic.Int32

	outputMu sync.Mutex
	// stdLogger is the standard logger instance
	stdLogger = log.New(os.Stdout, "", log.LstdFlags)
	// rotating is the active log file, if any
	rotating *lumberjack.Logger
)

func init() {
	level.Store(int32(INFO))
}

// SetLevel sets the current logging level
func SetLevel(l LogLevel) {
	level.Store(int32(l))
}

// GetLevel returns the current logging level
func GetLevel() LogLevel {
	return LogLevel(level.Load())
}

func IsLevelEnabled(l LogLevel) bool {
	return l >= GetLevel()
}

// SetOutput replaces the destination of all log output.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	stdLogger.SetOutput(w)
}

// Writer returns the current log destination.
func Writer() io.Writer {
	outputMu.Lock()
	defer outputMu.Unlock()
	return stdLogger.Writer()
}

// ConfigureFile mirrors log output into a size-rotated file next to stdout.
// An empty path detaches any previously configured file.
func ConfigureFile(cfg FileConfig) error {
	outputMu.Lock()
	defer outputMu.Unlock()

	if rotating != nil {
		if err := rotating.Close(); err != nil {
			return fmt.Errorf("failed to close previous log file: %w", err)
		}
		rotating = nil
	}

	if cfg.Path == "" {
		stdLogger.SetOutput(os.Stdout)
		return nil
	}

	rotating = &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	stdLogger.SetOutput(io.MultiWriter(os.Stdout, rotating))
	return nil
}

// GetLevelFromString converts a string level to LogLevel
func GetLevelFromString(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// String returns the upper case name of the level
func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func logMessage(l LogLevel, format string, v ...any) {
	if !IsLevelEnabled(l) {
		return
	}

	msg := fmt.Sprintf(format, v...)
	stdLogger.Printf("[%s] %s", l, msg)
}

// Trace logs a trace message
// Arguments are handled in the manner of [fmt.Printf].
func Trace(format string, v ...any) {
	logMessage(TRACE, format, v...)
}

// Debug logs a debug message
// Arguments are handled in the manner of [fmt.Printf].
func Debug(format string, v ...any) {
	logMessage(DEBUG, format, v...)
}

// Info logs an informational message
// Arguments are handled in the manner of [fmt.Printf].
func Info(format string, v ...any) {
	logMessage(INFO, format, v...)
}

// Warn logs a warning message
// Arguments are handled in the manner of [fmt.Printf].
func Warn(format string, v ...any) {
	logMessage(WARN, format, v...)
}

// Error logs an error message
// Arguments are handled in the manner of [fmt.Printf].
func Error(format string, v ...any) {
	logMessage(ERROR, format, v...)
}

// Fatal logs a fatal message and exits
// Arguments are handled in the manner of [fmt.Printf].
func Fatal(format string, v ...any) {
	logMessage(FATAL, format, v...)
	os.Exit(1)
}

// WithRequestID prefixes a formatted message with a request or session id.
// Arguments are handled in the manner of [fmt.Printf].
func WithRequestID(requestID, format string, v ...any) string {
	return fmt.Sprintf("[%s] %s", requestID, fmt.Sprintf(format, v...))
}
