package keybot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

// ModelUintID provides a uint primary key field.
type ModelUintID struct {
	ID uint `gorm:"primarykey" json:"id"`
}

// ModelUnixTime provides millisecond unix timestamps for create/update time.
type ModelUnixTime struct {
	CreatedAt int64 `json:"created_at" gorm:"autoCreateTime:milli"`
	UpdatedAt int64 `json:"updated_at" gorm:"autoUpdateTime:milli"`
}

// ClaimDelivery records the outcome of one claim's processing, for
// operational visibility only. The poller never consults these rows when
// deciding whether to deliver - the backend's processed flag and the
// in-memory ledger own that.
type ClaimDelivery struct {
	ModelUintID
	ModelUnixTime
	RowID     string `json:"row_id" gorm:"index"`
	UserID    string `json:"user_id"`
	DiscordID string `json:"discord_id"`
	Source    string `json:"source"`
	Announced bool   `json:"announced"`
	DMSent    bool   `json:"dm_sent"`
	Status    string `json:"status"`
	Note      string `json:"note"`
}

func (c ClaimDelivery) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("row_id", c.RowID),
		slog.String("source", c.Source),
		slog.String("discord_id", c.DiscordID),
		slog.Bool("announced", c.Announced),
		slog.Bool("dm_sent", c.DMSent),
		slog.String("status", c.Status),
	)
}

// Ticket records a provisioned ticket channel.
type Ticket struct {
	ModelUintID
	ModelUnixTime
	ChannelID string `json:"channel_id" gorm:"index"`
	GuildID   string `json:"guild_id"`
	OpenerID  string `json:"opener_id"`
	SubjectID string `json:"subject_id"`
	Issue     string `json:"issue"`
	Subject   string `json:"subject"`
	Open      bool   `json:"open"`
}

// DBI is the write-side database interface. It only exists so SQLite
// writes can be serialized behind a mutex; postgres doesn't need it.
type DBI interface {
	Create(ctx context.Context, value any) (int64, error)
	Save(ctx context.Context, value any) (int64, error)
	Updates(ctx context.Context, model any, values any) (int64, error)
	DB() *gorm.DB
}

type database struct {
	db           *gorm.DB
	mu           *sync.Mutex
	databaseType string
	logger       *slog.Logger
}

// NewDatabase wraps the given gorm.DB for writes. When sqlite is used,
// writes take a mutex.
func NewDatabase(db *gorm.DB, databaseType string, logger *slog.Logger) DBI {
	return &database{
		db:           db,
		mu:           &sync.Mutex{},
		databaseType: databaseType,
		logger:       logger,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() {
	if d.databaseType == dbTypeSQLite {
		d.mu.Lock()
	}
}

func (d *database) unlock() {
	if d.databaseType == dbTypeSQLite {
		d.mu.Unlock()
	}
}

func (d *database) Create(ctx context.Context, value any) (int64, error) {
	d.lock()
	defer d.unlock()
	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any) (int64, error) {
	d.lock()
	defer d.unlock()
	rv := d.db.WithContext(ctx).Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model any, values any) (
	int64,
	error,
) {
	d.lock()
	defer d.unlock()
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

// CreateDB opens (and migrates) the database for the given type and
// connection string.
func CreateDB(
	ctx context.Context,
	databaseType string,
	dsn string,
	opts ...gorm.Option,
) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch databaseType {
	case dbTypeSQLite:
		dialector = sqlite.Open(
			fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", dsn),
		)
	case dbTypePostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown database type: %s", databaseType)
	}

	db, err := gorm.Open(dialector, opts...)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err = db.WithContext(migrateCtx).AutoMigrate(
		&RuntimeConfig{},
		&ClaimDelivery{},
		&Ticket{},
	); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}

	return db, nil
}
