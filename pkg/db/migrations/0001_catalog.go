package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upCatalog, downCatalog)
}

type Run struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Host       string            `gorm:"type:text"`
	Root       string            `gorm:"type:text;not null"`
	Output     string            `gorm:"type:text"`
	Status     string            `gorm:"type:text;not null;index"`
	Summary    datatypes.JSONMap `gorm:"type:jsonb"`
	StartedAt  *time.Time        `gorm:"type:timestamptz"`
	FinishedAt *time.Time        `gorm:"type:timestamptz"`
}

type InventoryRecord struct {
	Host      string     `gorm:"type:text;primaryKey;default:''"`
	Path      string     `gorm:"type:text;primaryKey"`
	Filename  string     `gorm:"type:text;not null"`
	Digest    string     `gorm:"type:char(64);not null;index"`
	Size      int64      `gorm:"type:bigint;not null"`
	Algorithm string     `gorm:"type:text;not null;default:sha256"`
	RunID     *uuid.UUID `gorm:"type:uuid;index"`
	FirstSeen time.Time  `gorm:"type:timestamptz;not null;default:now()"`
	LastSeen  time.Time  `gorm:"type:timestamptz;not null;default:now()"`
	Run       Run        `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upCatalog(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	// Run before InventoryRecord so the foreign key has a target.
	return gormDB.WithContext(ctx).AutoMigrate(
		&Run{},
		&InventoryRecord{},
		&Audit{},
	)
}

func downCatalog(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&InventoryRecord{},
		&Run{},
	)
}
