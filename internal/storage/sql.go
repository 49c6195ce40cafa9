package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Veraticus/chatrelay/internal/conversation"
)

// userRow is a participant known to the relay.
type userRow struct {
	UserKey   string    `gorm:"column:user_key;primaryKey;size:64"`
	Username  string    `gorm:"column:username;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (userRow) TableName() string { return "users" }

// turnRow is one entry of the append-only conversation log.
type turnRow struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	UserKey   string    `gorm:"column:user_key;size:64;not null;index"`
	Role      string    `gorm:"column:role;size:16;not null"`
	Content   string    `gorm:"column:content;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (turnRow) TableName() string { return "conversation_turns" }

// sessionRow holds the latest snapshot of a user's session.
type sessionRow struct {
	UserKey    string    `gorm:"column:user_key;primaryKey;size:64"`
	State      []byte    `gorm:"column:state"`
	LastActive time.Time `gorm:"column:last_active;not null;index"`
}

func (sessionRow) TableName() string { return "sessions" }

// SQL implements conversation.Gateway on a relational database through gorm.
type SQL struct {
	db     *gorm.DB
	now    func() time.Time
	mu     sync.RWMutex
	closed bool
}

// OpenPostgres connects to PostgreSQL and migrates the schema.
func OpenPostgres(dsn string) (*SQL, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return NewSQL(db)
}

// NewSQL wraps an open gorm connection and migrates the schema.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(&userRow{}, &turnRow{}, &sessionRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &SQL{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQL) conn(ctx context.Context) (*gorm.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.db.WithContext(ctx), nil
}

// EnsureUser inserts the user unless it already exists.
func (s *SQL) EnsureUser(ctx context.Context, userKey, username string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	row := userRow{UserKey: userKey, Username: username}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// AppendTurn inserts a turn, registering the user first.
func (s *SQL) AppendTurn(ctx context.Context, userKey string, turn conversation.Turn) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	createdAt := turn.Timestamp.UTC()
	if turn.Timestamp.IsZero() {
		createdAt = s.now()
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&userRow{UserKey: userKey}).Error; err != nil {
			return err
		}
		return tx.Create(&turnRow{
			UserKey:   userKey,
			Role:      string(turn.Role),
			Content:   turn.Text,
			CreatedAt: createdAt,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// LoadHistory returns the user's turns in insertion order.
func (s *SQL) LoadHistory(ctx context.Context, userKey string) ([]conversation.Turn, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows []turnRow
	if err := db.Where("user_key = ?", userKey).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	turns := make([]conversation.Turn, 0, len(rows))
	for _, row := range rows {
		turns = append(turns, conversation.Turn{
			Role:      conversation.Role(row.Role),
			Text:      row.Content,
			Timestamp: row.CreatedAt,
		})
	}
	return turns, nil
}

// SaveSnapshot upserts the user's snapshot.
func (s *SQL) SaveSnapshot(ctx context.Context, userKey string, state []byte) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&userRow{UserKey: userKey}).Error; err != nil {
			return err
		}
		row := sessionRow{UserKey: userKey, State: state, LastActive: s.now().UTC()}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "last_active"}),
		}).Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the user's snapshot or conversation.ErrNoSnapshot.
func (s *SQL) LoadSnapshot(ctx context.Context, userKey string) ([]byte, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var row sessionRow
	err = db.Where("user_key = ?", userKey).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, conversation.ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return row.State, nil
}

// ListUsers returns every known user key, sorted.
func (s *SQL) ListUsers(ctx context.Context) ([]string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var keys []string
	if err := db.Model(&userRow{}).Order("user_key").Pluck("user_key", &keys).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return keys, nil
}

// DeleteStaleSessions removes snapshots last saved before now-expiry.
func (s *SQL) DeleteStaleSessions(ctx context.Context, expiry time.Duration) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().UTC().Add(-expiry)
	result := db.Where("last_active < ?", cutoff).Delete(&sessionRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// Close closes the underlying connection pool.
func (s *SQL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
