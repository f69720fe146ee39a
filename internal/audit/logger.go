// Package audit provides the JSONL append-only activity trail for the
// daemon: every rollout, upgrade, and control-socket mutation lands here
// for later incident review.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActivityType represents the type of recorded activity.
type ActivityType string

const (
	ActivityDeployStarted     ActivityType = "deploy.started"
	ActivityDeployCompleted   ActivityType = "deploy.completed"
	ActivityDeployFailed      ActivityType = "deploy.failed"
	ActivityDeployRolledBack  ActivityType = "deploy.rolledback"
	ActivityInstanceStarted   ActivityType = "instance.started"
	ActivityInstanceStopped   ActivityType = "instance.stopped"
	ActivityInstanceUnhealthy ActivityType = "instance.unhealthy"
	ActivityScaledToZero      ActivityType = "scale.zero"
	ActivityColdStart         ActivityType = "scale.coldstart"
	ActivityRouteChanged      ActivityType = "route.changed"
	ActivityCertIssued        ActivityType = "cert.issued"
	ActivityCertFailed        ActivityType = "cert.failed"
	ActivityUpgradeEntered    ActivityType = "upgrade.entered"
	ActivityUpgradeExited     ActivityType = "upgrade.exited"
	ActivityCommandExecuted   ActivityType = "control.command"
)

// Activity represents a single logged event.
type Activity struct {
	ID        string                 `json:"id"`
	Type      ActivityType           `json:"type"`
	Actor     string                 `json:"actor"`
	App       string                 `json:"app,omitempty"`
	Release   string                 `json:"release,omitempty"`
	Instance  string                 `json:"instance,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Duration  time.Duration          `json:"duration,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Logger defines the interface for activity logging
type Logger interface {
	Log(activity *Activity) error
	Close() error
}

// FileLogger logs activities to JSON files
type FileLogger struct {
	basePath string
	mu       sync.Mutex
	enabled  bool
}

// NewFileLogger creates a new file-based activity logger
func NewFileLogger(basePath string) (*FileLogger, error) {
	if basePath == "" {
		// Use default path
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		basePath = filepath.Join(home, ".takod", "audit")
	}

	// Create directory
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &FileLogger{
		basePath: basePath,
		enabled:  true,
	}, nil
}

// Log writes an activity to the log file
func (l *FileLogger) Log(activity *Activity) error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Create daily log file path
	fileName := filepath.Join(
		l.basePath,
		activity.Timestamp.Format("2006-01-02")+".jsonl",
	)

	// Open file in append mode
	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	// Encode and write activity
	encoder := json.NewEncoder(file)
	if err := encoder.Encode(activity); err != nil {
		return fmt.Errorf("failed to encode activity: %w", err)
	}

	return nil
}

// Close marks the logger disabled
func (l *FileLogger) Close() error {
	l.enabled = false
	return nil
}

// NoOpLogger is a logger that does nothing
type NoOpLogger struct{}

// NewNoOpLogger creates a no-op logger
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Log does nothing
func (n *NoOpLogger) Log(activity *Activity) error {
	return nil
}

// Close does nothing
func (n *NoOpLogger) Close() error {
	return nil
}

// GenerateID generates a unique ID for an activity record.
func GenerateID() string {
	return uuid.NewString()
}
