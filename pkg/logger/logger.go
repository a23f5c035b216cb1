package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var (
	logLevelNames = map[LogLevel]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
		FATAL: "FATAL",
	}

	currentLevel = INFO
	sink         *Logger
	once         sync.Once
	mu           sync.RWMutex
)

type Logger struct {
	file *os.File
}

type LogEntry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func init() {
	once.Do(func() {
		sink = &Logger{}
	})
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// ParseLevel maps a config string to a level, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
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

func EnableFileLogging(filePath string) error {
	mu.Lock()
	defer mu.Unlock()

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	if sink.file != nil {
		sink.file.Close()
	}

	sink.file = file
	return nil
}

func DisableFileLogging() {
	mu.Lock()
	defer mu.Unlock()

	if sink.file != nil {
		sink.file.Close()
		sink.file = nil
	}
}

func logMessage(level LogLevel, component string, message string, fields map[string]any) {
	if level < GetLevel() {
		return
	}

	entry := LogEntry{
		Level:     logLevelNames[level],
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Component: component,
		Message:   message,
		Fields:    fields,
	}

	mu.RLock()
	if sink.file != nil {
		if jsonData, err := json.Marshal(entry); err == nil {
			sink.file.Write(append(jsonData, '\n'))
		}
	}
	mu.RUnlock()

	var fieldStr string
	if len(fields) > 0 {
		fieldStr = " " + formatFields(fields)
	}

	log.Printf("[%s] [%s]%s %s%s",
		entry.Timestamp,
		logLevelNames[level],
		formatComponent(component),
		message,
		fieldStr,
	)

	if level == FATAL {
		os.Exit(1)
	}
}

func formatComponent(component string) string {
	if component == "" {
		return ""
	}
	return fmt.Sprintf(" %s:", component)
}

func formatFields(fields map[string]any) string {
	parts := make([]string, 0, len(fields))
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return fmt.Sprintf("{%s}", strings.Join(parts, ", "))
}

func Debug(message string) {
	logMessage(DEBUG, "", message, nil)
}

func DebugC(component, message string) {
	logMessage(DEBUG, component, message, nil)
}

func DebugF(message string, f map[string]any) {
	logMessage(DEBUG, "", message, f)
}

func DebugCF(component, message string, f map[string]any) {
	logMessage(DEBUG, component, message, f)
}

func Info(message string) {
	logMessage(INFO, "", message, nil)
}

func InfoC(component, message string) {
	logMessage(INFO, component, message, nil)
}

func InfoF(message string, f map[string]any) {
	logMessage(INFO, "", message, f)
}

func InfoCF(component, message string, f map[string]any) {
	logMessage(INFO, component, message, f)
}

func Warn(message string) {
	logMessage(WARN, "", message, nil)
}

func WarnC(component, message string) {
	logMessage(WARN, component, message, nil)
}

func WarnF(message string, f map[string]any) {
	logMessage(WARN, "", message, f)
}

func WarnCF(component, message string, f map[string]any) {
	logMessage(WARN, component, message, f)
}

func Error(message string) {
	logMessage(ERROR, "", message, nil)
}

func ErrorC(component, message string) {
	logMessage(ERROR, component, message, nil)
}

func ErrorF(message string, f map[string]any) {
	logMessage(ERROR, "", message, f)
}

func ErrorCF(component, message string, f map[string]any) {
	logMessage(ERROR, component, message, f)
}

func Fatal(message string) {
	logMessage(FATAL, "", message, nil)
}

func FatalC(component, message string) {
	logMessage(FATAL, component, message, nil)
}

func FatalCF(component, message string, f map[string]any) {
	logMessage(FATAL, component, message, f)
}
