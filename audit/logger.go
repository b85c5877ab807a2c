// Package audit records hosting failures and fatal domain faults in a
// sqlite table so they survive the worker process.
package audit

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tomyedwab/workerhost/types"
)

// EventType represents the type of audit event
type EventType string

const (
	EventHostingError EventType = "hosting_error"
	EventFatalError   EventType = "fatal_error"
)

// Event represents an audit log entry in the database
type Event struct {
	ID            string `db:"id"`
	EventType     string `db:"event_type"`
	Timestamp     int64  `db:"timestamp"`
	ApplicationID string `db:"application_id"`
	Operation     string `db:"operation"` // Empty for fatal errors
	Message       string `db:"message"`
}

// Logger stores hosting errors. It satisfies domains.ErrorSink.
type Logger struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewLogger creates a new audit logger instance
func NewLogger(db *sqlx.DB, logger *slog.Logger) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		db:     db,
		logger: logger.With("component", "audit"),
	}, nil
}

// DBInit initializes the hosting events database table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS hosting_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		application_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		message TEXT NOT NULL
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_hosting_events_timestamp ON hosting_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_hosting_events_application_id ON hosting_events(application_id)`)
	return err
}

func (l *Logger) insertEvent(event *Event) error {
	_, err := l.db.Exec(`
		INSERT INTO hosting_events (
			id, event_type, timestamp, application_id, operation, message
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID,
		event.EventType,
		event.Timestamp,
		event.ApplicationID,
		event.Operation,
		event.Message,
	)
	return err
}

func newEvent(eventType EventType, appID types.ApplicationID, op string, err error) *Event {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &Event{
		ID:            uuid.New().String(),
		EventType:     string(eventType),
		Timestamp:     time.Now().UTC().Unix(),
		ApplicationID: string(appID),
		Operation:     op,
		Message:       message,
	}
}

// LogHostingError stores a failed domain or handler creation
func (l *Logger) LogHostingError(op string, appID types.ApplicationID, err error) error {
	return l.insertEvent(newEvent(EventHostingError, appID, op, err))
}

// LogFatalError stores an unhandled domain fault
func (l *Logger) LogFatalError(appID types.ApplicationID, err error) error {
	return l.insertEvent(newEvent(EventFatalError, appID, "", err))
}

// ReportHostingError stores the error, logging if the write fails.
func (l *Logger) ReportHostingError(op string, appID types.ApplicationID, err error) {
	l.logger.Error("Hosting initialization failed", "op", op, "appID", appID, "error", err)
	if dbErr := l.LogHostingError(op, appID, err); dbErr != nil {
		l.logger.Warn("Failed to record hosting error", "appID", appID, "error", dbErr)
	}
}

// ReportFatalError stores the fault, logging if the write fails.
func (l *Logger) ReportFatalError(appID types.ApplicationID, err error) {
	l.logger.Error("Unhandled domain fault", "appID", appID, "error", err)
	if dbErr := l.LogFatalError(appID, err); dbErr != nil {
		l.logger.Warn("Failed to record fatal error", "appID", appID, "error", dbErr)
	}
}

// GetEventsByApplication retrieves events for one application
func (l *Logger) GetEventsByApplication(appID types.ApplicationID, limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM hosting_events WHERE application_id = $1 ORDER BY timestamp DESC LIMIT $2",
		string(appID), limit)
	return events, err
}

// GetEventsByType retrieves events of a specific type
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM hosting_events WHERE event_type = $1 ORDER BY timestamp DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent events
func (l *Logger) GetRecentEvents(limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM hosting_events ORDER BY timestamp DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes events older than the specified duration
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).Unix()
	result, err := l.db.Exec("DELETE FROM hosting_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
