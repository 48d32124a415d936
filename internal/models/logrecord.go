package models

import "time"

// LogLevel is the severity of a LogRecord.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
	LogLevelSuccess LogLevel = "success"
	LogLevelDebug   LogLevel = "debug"
)

// LogRecord is one line of task output, sequenced per-task by the Log Bus.
type LogRecord struct {
	TaskID    string    `json:"taskId"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
	Progress  *int      `json:"progress,omitempty"`
}
