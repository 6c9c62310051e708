package logger

import (
	"fmt"
	"log"
	"strings"
)

// Global logger instance
var defaultLogger *Logger

// Initialize default logger instance, console only until InitFromConfig runs
func init() {
	logger, err := New(LoggerConfig{Level: INFO, Console: true})
	if err != nil {
		log.Printf("Failed to initialize default logger: %v, using standard log", err)
		return
	}

	defaultLogger = logger
}

// InitFromConfig initializes the logger from configuration.
// It must be called before agents start logging concurrently.
func InitFromConfig(level, filePath string, maxSize, maxBackups int, console bool) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	logger, err := New(LoggerConfig{
		Level:      logLevel,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
	})
	if err != nil {
		return err
	}

	if defaultLogger != nil {
		defaultLogger.Close()
	}
	defaultLogger = logger
	return nil
}

// SetDefault replaces the package logger, used by tests to capture output
func SetDefault(l *Logger) {
	defaultLogger = l
}

// ParseLogLevel parses log level string, empty means INFO
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG, nil
	case "", "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s, using default level INFO", level)
	}
}

// With returns an Entry bound to the package logger
func With(prefix string) *Entry {
	return &Entry{prefix: "[" + prefix + "]"}
}

func fallbackPrintf(level LogLevel, format string, args ...interface{}) {
	log.Printf("["+level.String()+"] "+format, args...)
}

func logDefault(level LogLevel, format string, args ...interface{}) {
	if defaultLogger == nil {
		fallbackPrintf(level, format, args...)
		return
	}
	defaultLogger.log(3, level, "", format, args...)
}

// Debug logs debug level messages
func Debug(format string, args ...interface{}) {
	logDefault(DEBUG, format, args...)
}

// Info logs info level messages
func Info(format string, args ...interface{}) {
	logDefault(INFO, format, args...)
}

// Warn logs warning level messages
func Warn(format string, args ...interface{}) {
	logDefault(WARN, format, args...)
}

// Error logs error level messages
func Error(format string, args ...interface{}) {
	logDefault(ERROR, format, args...)
}

// Close closes the logger
func Close() error {
	if defaultLogger != nil {
		return defaultLogger.Close()
	}
	return nil
}

// SetLevel changes the level of the default logger
func SetLevel(level LogLevel) {
	if defaultLogger != nil {
		defaultLogger.SetLevel(level)
	}
}
