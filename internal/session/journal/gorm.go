package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"ex10-server/internal/logging"
)

// SessionRecord is the journal row.
type SessionRecord struct {
	ID          string    `gorm:"primarykey;size:64"`
	Username    string    `gorm:"size:64;not null;index"`
	DisplayPort int       `gorm:"not null"`
	State       string    `gorm:"size:32;not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time
}

// TableName pins the table name.
func (SessionRecord) TableName() string {
	return "sandbox_sessions"
}

// GormJournal stores entries in a SQL database.
type GormJournal struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenSQLite opens (or creates) a SQLite journal. ":memory:" is allowed.
func OpenSQLite(path string, l *zap.Logger) (*GormJournal, error) {
	return openGorm(sqlite.Open(path), l)
}

// OpenPostgres opens a Postgres journal.
func OpenPostgres(dsn string, l *zap.Logger) (*GormJournal, error) {
	return openGorm(postgres.Open(dsn), l)
}

func openGorm(dialector gorm.Dialector, l *zap.Logger) (*GormJournal, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// SQLite serializes writers anyway; one connection keeps :memory: shared.
	if dialector.Name() == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, fmt.Errorf("journal migration failed: %w", err)
	}

	j := &GormJournal{db: db, logger: logging.OrGlobal(l).Named("journal")}
	j.logger.Info("session journal ready", zap.String("driver", dialector.Name()))
	return j, nil
}

// Record inserts or updates an entry.
func (j *GormJournal) Record(ctx context.Context, e Entry) error {
	rec := SessionRecord{
		ID:          e.ID,
		Username:    e.Username,
		DisplayPort: e.DisplayPort,
		State:       string(e.State),
		CreatedAt:   e.CreatedAt,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	err := j.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "display_port", "state", "updated_at"}),
	}).Create(&rec).Error
	return wrap("record", err)
}

// Forget deletes an entry. Forgetting an unknown id is not an error.
func (j *GormJournal) Forget(ctx context.Context, id string) error {
	return wrap("forget", j.db.WithContext(ctx).Delete(&SessionRecord{}, "id = ?", id).Error)
}

// List returns every entry, oldest first.
func (j *GormJournal) List(ctx context.Context) ([]Entry, error) {
	var recs []SessionRecord
	if err := j.db.WithContext(ctx).Order("created_at asc").Find(&recs).Error; err != nil {
		return nil, wrap("list", err)
	}
	out := make([]Entry, 0, len(recs))
	for _, r := range recs {
		out = append(out, Entry{
			ID:          r.ID,
			Username:    r.Username,
			DisplayPort: r.DisplayPort,
			CreatedAt:   r.CreatedAt,
			State:       State(r.State),
		})
	}
	return out, nil
}

// Close closes the database handle.
func (j *GormJournal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
