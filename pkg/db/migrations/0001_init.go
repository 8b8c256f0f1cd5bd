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
	goose.AddMigrationContext(upInit, downInit)
}

// Capture is one kiosk photo event. sync_state drives the offline
// synchronization state machine; updated_at records the last transition and
// anchors retry backoff windows.
type Capture struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Phone        string            `gorm:"type:text"`
	Email        string            `gorm:"type:text"`
	LocalPath    string            `gorm:"type:text"`
	RemoteURL    string            `gorm:"type:text"`
	SizeBytes    int64             `gorm:"type:bigint;not null;default:0"`
	SyncState    string            `gorm:"type:text;not null;default:'PENDING';index"`
	SyncAttempts int               `gorm:"type:integer;not null;default:0"`
	LastError    string            `gorm:"type:text"`
	SMSSent      bool              `gorm:"type:boolean;not null;default:false"`
	Meta         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"type:timestamptz;not null;default:now();index;autoCreateTime"`
	UpdatedAt    time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(&Capture{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(&Capture{})
}
