// Package recordinglog implements the durable recording-log index of
// spec.md §3/§6: an append-only file of TERM and SNAPSHOT entries mapping
// leadership terms and service snapshots to local archive recording ids.
// The agent never truncates or rewrites a persisted entry.
//
// Persistence is a gorm/sqlite table rather than a hand-rolled append-only
// file format — the teacher persists all of its durable state
// (server/internal/db) the same way, and sqlite's own write-ahead log
// already gives us the "append, never rewrite" discipline the index needs
// (see DESIGN.md).
package recordinglog

import (
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/relaykeep/backup-agent/internal/sentinel"
)

// EntryType distinguishes TERM and SNAPSHOT rows (spec.md §6).
type EntryType string

const (
	EntryTypeTerm     EntryType = "TERM"
	EntryTypeSnapshot EntryType = "SNAPSHOT"
)

// ConsensusModuleServiceID is the reserved serviceId of the consensus
// module's own snapshot (spec.md §3: "serviceId = -1 denotes the consensus
// module snapshot").
const ConsensusModuleServiceID int32 = -1

// Entry is one row of the recording log (spec.md §3/§6).
type Entry struct {
	EntryIndex          int64 `gorm:"primaryKey;autoIncrement"`
	RecordingID         int64
	LeadershipTermID    int64
	TermBaseLogPosition int64
	LogPosition         int64
	TimestampMs         int64
	ServiceID           int32
	Type                EntryType
	Valid               bool
}

// Snapshot is the subset of Entry fields relevant to a recorded snapshot
// (spec.md §3 "recording-log snapshot").
type Snapshot struct {
	RecordingID         int64
	LeadershipTermID    int64
	TermBaseLogPosition int64
	LogPosition         int64
	TimestampMs         int64
	ServiceID           int32
}

// Log is the recording-log query/append interface spec.md §1/§3 names:
// findLastTerm, getLatestSnapshot, isUnknown, appendTerm, appendSnapshot.
type Log interface {
	// FindLastTerm returns the most recently appended valid TERM entry, if
	// any.
	FindLastTerm() (Entry, bool, error)
	// GetLatestSnapshot returns the most recently appended valid SNAPSHOT
	// entry for the given serviceId, if any.
	GetLatestSnapshot(serviceID int32) (Snapshot, bool, error)
	// IsUnknown reports whether no valid TERM entry exists for
	// leadershipTermID yet (spec.md §3 invariant: "persists recording-log
	// entries only for terms that are not already present").
	IsUnknown(leadershipTermID int64) (bool, error)
	// AppendTerm appends a new TERM entry. logPosition may be
	// sentinel.NullPosition for an open-ended term.
	AppendTerm(recordingID, leadershipTermID, termBaseLogPosition, logPosition, timestampMs int64) error
	// AppendSnapshot appends a new SNAPSHOT entry.
	AppendSnapshot(s Snapshot) error
	Close() error
}

type gormLog struct {
	db *gorm.DB
}

// Open opens (creating if necessary) a sqlite-backed recording log at path.
// Created on INIT, closed on reset() and on agent close (spec.md §3
// Lifecycles).
func Open(path string) (Log, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("recordinglog: failed to open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("recordinglog: failed to migrate schema: %w", err)
	}
	return &gormLog{db: db}, nil
}

func (l *gormLog) FindLastTerm() (Entry, bool, error) {
	var e Entry
	err := l.db.Where("type = ? AND valid = ?", EntryTypeTerm, true).
		Order("entry_index DESC").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("recordinglog: findLastTerm: %w", err)
	}
	return e, true, nil
}

func (l *gormLog) GetLatestSnapshot(serviceID int32) (Snapshot, bool, error) {
	var e Entry
	err := l.db.Where("type = ? AND service_id = ? AND valid = ?", EntryTypeSnapshot, serviceID, true).
		Order("entry_index DESC").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("recordinglog: getLatestSnapshot: %w", err)
	}
	return Snapshot{
		RecordingID:         e.RecordingID,
		LeadershipTermID:    e.LeadershipTermID,
		TermBaseLogPosition: e.TermBaseLogPosition,
		LogPosition:         e.LogPosition,
		TimestampMs:         e.TimestampMs,
		ServiceID:           e.ServiceID,
	}, true, nil
}

func (l *gormLog) IsUnknown(leadershipTermID int64) (bool, error) {
	var count int64
	err := l.db.Model(&Entry{}).
		Where("type = ? AND leadership_term_id = ? AND valid = ?", EntryTypeTerm, leadershipTermID, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("recordinglog: isUnknown: %w", err)
	}
	return count == 0, nil
}

func (l *gormLog) AppendTerm(recordingID, leadershipTermID, termBaseLogPosition, logPosition, timestampMs int64) error {
	e := Entry{
		RecordingID:         recordingID,
		LeadershipTermID:    leadershipTermID,
		TermBaseLogPosition: termBaseLogPosition,
		LogPosition:         logPosition,
		TimestampMs:         timestampMs,
		ServiceID:           sentinel.NullCounterID, // terms carry no service id
		Type:                EntryTypeTerm,
		Valid:               true,
	}
	if err := l.db.Create(&e).Error; err != nil {
		return fmt.Errorf("recordinglog: appendTerm: %w", err)
	}
	return nil
}

func (l *gormLog) AppendSnapshot(s Snapshot) error {
	e := Entry{
		RecordingID:         s.RecordingID,
		LeadershipTermID:    s.LeadershipTermID,
		TermBaseLogPosition: s.TermBaseLogPosition,
		LogPosition:         s.LogPosition,
		TimestampMs:         s.TimestampMs,
		ServiceID:           s.ServiceID,
		Type:                EntryTypeSnapshot,
		Valid:               true,
	}
	if err := l.db.Create(&e).Error; err != nil {
		return fmt.Errorf("recordinglog: appendSnapshot: %w", err)
	}
	return nil
}

func (l *gormLog) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("recordinglog: close: %w", err)
	}
	return sqlDB.Close()
}
