package helpers

import (
	"sjsage522/dealingester/logger"
)

// LoggerInterface defines the interface for logger implementations
type LoggerInterface interface {
	LogError(component string, err error)
	LogInfo(format string, args ...interface{})
}

// ZerologAdapter backs LoggerInterface with the application logger.
type ZerologAdapter struct{}

// NewLogger creates a new logger instance
func NewLogger() *ZerologAdapter {
	return &ZerologAdapter{}
}

// LogError logs an error with the component name attached
func (l *ZerologAdapter) LogError(component string, err error) {
	logger.LogError(component, err, "pipeline error")
}

// LogInfo logs an informational message
func (l *ZerologAdapter) LogInfo(format string, args ...interface{}) {
	logger.Info(format, args...)
}
