package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// LogLevelFromString converts string to LogLevel
func LogLevelFromString(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// ValidLevel reports whether level names a known log level.
func ValidLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "warn", "warning", "error", "fatal":
		return true
	}
	return false
}

// LogConfig represents logging configuration as it appears in the config file
type LogConfig struct {
	Level         string `mapstructure:"level" yaml:"level"`
	EnableConsole bool   `mapstructure:"enable_console" yaml:"enable_console"`
	EnableFile    bool   `mapstructure:"enable_file" yaml:"enable_file"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file"`
	BufferSize    int    `mapstructure:"buffer_size" yaml:"buffer_size"`
	LogDir        string `mapstructure:"log_dir" yaml:"log_dir"`
}

// NewFromConfig builds a logger for the given node from file configuration.
func NewFromConfig(nodeID string, logConfig LogConfig) (*Logger, error) {
	if logConfig.EnableFile && logConfig.LogDir != "" {
		if err := os.MkdirAll(logConfig.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	logFile := logConfig.LogFile
	if logFile == "" && logConfig.EnableFile {
		logFile = fmt.Sprintf("%s.log", nodeID)
		if logConfig.LogDir != "" {
			logFile = filepath.Join(logConfig.LogDir, logFile)
		}
	}

	return NewLogger(Config{
		Level:         LogLevelFromString(logConfig.Level),
		NodeID:        nodeID,
		LogFile:       logFile,
		EnableConsole: logConfig.EnableConsole,
		EnableFile:    logConfig.EnableFile,
		BufferSize:    logConfig.BufferSize,
	}), nil
}

// Bytes renders a byte count for log fields, e.g. "1.5 GB".
func Bytes(n uint64) string {
	return humanize.Bytes(n)
}

// Component names for structured logging
const (
	ComponentPool    = "pool"
	ComponentMemory  = "memory"
	ComponentHistory = "history"
	ComponentCache   = "cache"
	ComponentServer  = "server"
	ComponentBroker  = "broker"
	ComponentAdmin   = "admin"
	ComponentHTTP    = "http"
	ComponentConfig  = "config"
	ComponentMain    = "main"
)

// Action names for structured logging
const (
	ActionStart      = "start"
	ActionStop       = "stop"
	ActionRequest    = "request"
	ActionResponse   = "response"
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionJoin       = "join"
	ActionLeave      = "leave"
	ActionSubmit     = "submit"
	ActionExecute    = "execute"
	ActionResize     = "resize"
	ActionDrain      = "drain"
	ActionSample     = "sample"
	ActionMonitor    = "monitor"
	ActionBroadcast  = "broadcast"
	ActionValidation = "validation"
	ActionTimeout    = "timeout"
	ActionRetry      = "retry"
	ActionCleanup    = "cleanup"
	ActionStats      = "stats"
)
