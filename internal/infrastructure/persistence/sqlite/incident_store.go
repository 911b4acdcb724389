// Package sqlite implements the on-device safety incident journal.
// Incidents must survive process death and power loss, so they go to
// local SQLite rather than memory, and rows are never rewritten.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kidscampus/session-core/internal/domain/session"
	"github.com/kidscampus/session-core/internal/domain/shared"
	"github.com/kidscampus/session-core/pkg/logger"
)

const incidentSchema = `
CREATE TABLE IF NOT EXISTS safety_incidents (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	child_id    TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMP NOT NULL,
	resolved    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_incidents_open
	ON safety_incidents (resolved, occurred_at);
`

// IncidentStore is the SQLite-backed session.IncidentStore. Writes are
// serialized by capping the pool at one connection; WAL mode keeps
// concurrent reads cheap.
type IncidentStore struct {
	db  *sql.DB
	log *logger.Logger
}

// NewIncidentStore opens (or creates) the journal at path.
func NewIncidentStore(path string, log *logger.Logger) (*IncidentStore, error) {
	if log == nil {
		log = logger.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open incident journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(incidentSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create incident schema: %w", err)
	}

	return &IncidentStore{
		db:  db,
		log: log.With(logger.Component("incident_store")),
	}, nil
}

// Record appends an incident. The journal is append-only: an ID
// collision is an error, never an overwrite.
func (s *IncidentStore) Record(incident session.SafetyIncident) error {
	if incident.ID == "" {
		return shared.NewDomainError("incident", "Record", shared.ErrInvalidID, "empty incident ID")
	}
	if !incident.Type.IsValid() {
		return shared.NewDomainError("incident", "Record", shared.ErrInvalidInput,
			"unknown incident type "+string(incident.Type))
	}

	_, err := s.db.Exec(
		`INSERT INTO safety_incidents (id, type, session_id, child_id, detail, occurred_at, resolved)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		incident.ID,
		string(incident.Type),
		incident.SessionID.String(),
		incident.ChildID.String(),
		incident.Detail,
		incident.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record incident %s: %w", incident.ID, err)
	}

	s.log.Info("incident journaled",
		logger.IncidentID(incident.ID),
		logger.F("incident_type", string(incident.Type)),
	)
	return nil
}

// MarkResolved sets the resolved flag on one incident.
func (s *IncidentStore) MarkResolved(id string) error {
	res, err := s.db.Exec(
		`UPDATE safety_incidents SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("resolve incident %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve incident %s: %w", id, err)
	}
	if n == 0 {
		return shared.NewDomainError("incident", "MarkResolved", shared.ErrNotFound,
			"incident "+id+" not found")
	}
	return nil
}

// ListOpen returns unresolved incidents, oldest first.
func (s *IncidentStore) ListOpen() ([]session.SafetyIncident, error) {
	rows, err := s.db.Query(
		`SELECT id, type, session_id, child_id, detail, occurred_at, resolved
		 FROM safety_incidents
		 WHERE resolved = 0
		 ORDER BY occurred_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list open incidents: %w", err)
	}
	defer rows.Close()

	var out []session.SafetyIncident
	for rows.Next() {
		var (
			inc        session.SafetyIncident
			typ        string
			sessionID  string
			childID    string
			occurredAt time.Time
			resolved   int
		)
		if err := rows.Scan(&inc.ID, &typ, &sessionID, &childID, &inc.Detail, &occurredAt, &resolved); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.Type = session.IncidentType(typ)
		inc.SessionID = session.SessionID(sessionID)
		inc.ChildID = session.ChildID(childID)
		inc.OccurredAt = occurredAt.UTC()
		inc.Resolved = resolved != 0
		out = append(out, inc)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *IncidentStore) Close() error {
	return s.db.Close()
}
