package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type uniqueRow struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex"`
}

func TestDialector(t *testing.T) {
	for _, driver := range []string{DriverPostgres, DriverMySQL, DriverSQLite, DriverSQLite3} {
		d, err := Dialector(driver, "dsn")
		require.NoError(t, err, driver)
		assert.NotNil(t, d)
	}

	_, err := Dialector("oracle", "dsn")
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestOpen_SQLiteTranslatesDuplicateKey(t *testing.T) {
	db, err := Open(DriverSQLite, ":memory:", zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&uniqueRow{}))

	require.NoError(t, db.Create(&uniqueRow{Name: "a"}).Error)
	err = db.Create(&uniqueRow{Name: "a"}).Error
	require.Error(t, err)
	assert.True(t, IsDuplicateKey(err))

	// a single connection keeps the in-memory database alive
	pm, err := NewPoolManager(db, PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, nil)
	require.NoError(t, err)
	defer pm.Close()

	err = pm.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return tx.Create(&uniqueRow{Name: "b"}).Error
	})
	require.NoError(t, err)
}

func TestOpen_NoDriver(t *testing.T) {
	_, err := Open("", "", nil)
	assert.Error(t, err)
}
