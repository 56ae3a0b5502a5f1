package db

import (
	"fmt"
	"sync/atomic"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testSeq atomic.Int64

// NewTest opens an isolated in-memory SQLite database. The pool is limited
// to a single connection so concurrent transactions serialize the same way
// they would against a row-locking store.
func NewTest() (*gorm.DB, error) {
	name := fmt.Sprintf("file:matterly_test_%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", testSeq.Add(1))
	conn, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return conn, nil
}
