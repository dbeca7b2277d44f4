/*
 * MIT License
 *
 * Copyright (c) 2022 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package database opens the shared GORM/SQLite handle used by the
// backend repository and the replication log: one driver (SQLite), one
// config shape, the connection-pool knobs that matter for an embedded
// single-file database.
package database

import (
	"database/sql"
	"time"

	"github.com/nabbar/geoproxy/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	ErrorOpen = iota + errors.MinPkgDatabase
	ErrorPool
	ErrorMigrate
)

func init() {
	errors.RegisterMessages(map[errors.CodeError]string{
		ErrorOpen:    "failed to open database",
		ErrorPool:    "failed to configure connection pool",
		ErrorMigrate: "failed to run auto-migration",
	})
}

// Config describes how to open and pool the embedded database.
type Config struct {
	// DSN is the SQLite data source, e.g. "file:geoproxy.db?cache=shared&_fk=1".
	DSN string `mapstructure:"dsn" json:"dsn" yaml:"dsn"`

	// PoolMaxOpenConns caps concurrent connections. When it is unset and
	// PoolConnMaxLifetime is set, the cap is 1; when both are unset, no
	// cap is applied.
	PoolMaxOpenConns int `mapstructure:"pool-max-open-conns" json:"pool-max-open-conns" yaml:"pool-max-open-conns"`

	// PoolConnMaxLifetime closes a pooled connection once it has been open
	// this long.
	PoolConnMaxLifetime time.Duration `mapstructure:"pool-conn-max-lifetime" json:"pool-conn-max-lifetime" yaml:"pool-conn-max-lifetime"`

	// Verbose enables GORM's statement-level logging.
	Verbose bool `mapstructure:"verbose" json:"verbose" yaml:"verbose"`
}

// Open establishes the GORM handle and runs auto-migration for the
// given models.
func Open(cfg Config, models ...interface{}) (*gorm.DB, errors.Error) {
	logLevel := logger.Silent
	if cfg.Verbose {
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, errors.CodeError(ErrorOpen).Error(err)
	}

	if cfg.PoolMaxOpenConns > 0 || cfg.PoolConnMaxLifetime > 0 {
		var sqlDB *sql.DB
		if sqlDB, err = db.DB(); err != nil {
			return nil, errors.CodeError(ErrorPool).Error(err)
		}

		max := cfg.PoolMaxOpenConns
		if max <= 0 {
			max = 1
		}
		sqlDB.SetMaxOpenConns(max)

		if cfg.PoolConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.PoolConnMaxLifetime)
		}
	}

	if len(models) > 0 {
		if err = db.AutoMigrate(models...); err != nil {
			return nil, errors.CodeError(ErrorMigrate).Error(err)
		}
	}

	return db, nil
}
