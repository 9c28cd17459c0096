// Package journal appends session events to Postgres so a finished quiz can
// be inspected or replayed. It is optional; the quiz runs without it.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/lan-quiz/internal/engine"
)

var ErrNoDSN = errors.New("journal: empty database url")

// Entry is one stored event.
type Entry struct {
	ID          uint   `gorm:"primaryKey"`
	SessionID   string `gorm:"size:128;index:idx_entries_session_seq,priority:1;not null"`
	Seq         int    `gorm:"index:idx_entries_session_seq,priority:2;not null"`
	Type        string `gorm:"size:64;not null"`
	StudentID   string `gorm:"size:64"`
	DisplayName string `gorm:"size:128"`
	QuestionID  string `gorm:"size:128"`
	Payload     string `gorm:"type:text"`
	CreatedAt   time.Time
}

func (Entry) TableName() string { return "quiz_journal_entries" }

type Journal struct {
	db     *gorm.DB
	logger *zap.Logger
	seq    map[string]int
}

// Open connects to dsn and migrates the entries table.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Journal, error) {
	if dsn == "" {
		return nil, ErrNoDSN
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	return New(ctx, db, log)
}

// New uses an existing connection.
func New(ctx context.Context, db *gorm.DB, log *zap.Logger) (*Journal, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := db.WithContext(ctx).AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db, logger: log, seq: make(map[string]int)}, nil
}

// Record stores e as the next entry of sessionID. It is called from a single
// goroutine per lobby.
func (j *Journal) Record(ctx context.Context, sessionID string, e engine.Event) error {
	seq, ok := j.seq[sessionID]
	if !ok {
		var err error
		if seq, err = j.lastSeq(ctx, sessionID); err != nil {
			return err
		}
	}
	entry := toEntry(sessionID, seq+1, e)
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("record %s: %w", e.Type, err)
	}
	j.seq[sessionID] = entry.Seq
	j.logger.Debug("journal entry stored",
		zap.String("session", sessionID),
		zap.Int("seq", entry.Seq),
		zap.String("type", entry.Type))
	return nil
}

func (j *Journal) lastSeq(ctx context.Context, sessionID string) (int, error) {
	var last int
	err := j.db.WithContext(ctx).Model(&Entry{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&last).Error
	if err != nil {
		return 0, fmt.Errorf("read journal position: %w", err)
	}
	return last, nil
}

// Events loads the recorded events of sessionID in order.
func (j *Journal) Events(ctx context.Context, sessionID string) ([]engine.Event, error) {
	var entries []Entry
	err := j.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	events := make([]engine.Event, 0, len(entries))
	for _, en := range entries {
		events = append(events, fromEntry(en))
	}
	return events, nil
}

// Replay rebuilds the state of a recorded session.
func (j *Journal) Replay(ctx context.Context, sessionID, moduleID string) (engine.State, error) {
	events, err := j.Events(ctx, sessionID)
	if err != nil {
		return engine.State{}, err
	}
	return engine.Reduce(engine.NewState(sessionID, moduleID), events), nil
}

func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toEntry(sessionID string, seq int, e engine.Event) Entry {
	return Entry{
		SessionID:   sessionID,
		Seq:         seq,
		Type:        string(e.Type),
		StudentID:   e.StudentID,
		DisplayName: e.DisplayName,
		QuestionID:  e.QuestionID,
		Payload:     string(e.Payload),
	}
}

func fromEntry(en Entry) engine.Event {
	e := engine.Event{
		Type:        engine.EventType(en.Type),
		StudentID:   en.StudentID,
		DisplayName: en.DisplayName,
		QuestionID:  en.QuestionID,
	}
	if en.Payload != "" {
		e.Payload = []byte(en.Payload)
	}
	return e
}
