package internal

import (
	"log"
	"os"
)

// NewLogger returns a stdout logger prefixed with the component name.
func NewLogger(component string) *log.Logger {
	prefix := "platyfend"
	if component != "" {
		prefix = prefix + "/" + component
	}
	return log.New(os.Stdout, prefix+" ", log.LstdFlags|log.Lmicroseconds)
}

// WithRequestID derives a logger that stamps every line with the request id.
func WithRequestID(logger *log.Logger, requestID string) *log.Logger {
	if requestID == "" {
		return logger
	}
	return log.New(logger.Writer(), logger.Prefix()+"req="+requestID+" ", logger.Flags())
}
