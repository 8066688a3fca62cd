// Package dbtest opens isolated in-memory SQLite databases carrying the
// pipeline schema for package tests.
package dbtest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/giftpipe-backend/pkg/db"
	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
)

// Models lists every table the pipeline owns.
func Models() []any {
	return []any{
		&models.Order{},
		&models.OrderLineItem{},
		&models.PaymentIntentRecord{},
		&models.FundingAlert{},
		&models.RecoveryLog{},
		&models.AutoGiftRule{},
		&models.AutoGiftExecution{},
		&models.OutboxEvent{},
		&models.OutboxDLQ{},
	}
}

// Open returns a client over a fresh database. A single connection serialises
// writers the way row locks would on Postgres.
func Open(t *testing.T) *db.Client {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(Models()...); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return db.FromConn(conn)
}
