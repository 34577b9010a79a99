// Copyright 2025 The Rangekeeper Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config selects and tunes the catalog database
type Config struct {
	// Driver is "sqlite" or "mysql"
	Driver string
	DSN    string

	// PortRangeStart is the lowest VPN port handed out to teams
	PortRangeStart int

	// Logger receives gorm's warnings and slow query reports. Defaults to the
	// standard logger.
	Logger *log.Logger
}

// Store is the relational catalog. All queries are parameterized.
type Store struct {
	db             *gorm.DB
	portRangeStart int

	// pickPort chooses the port of a new claim. Replaced in tests.
	pickPort func(tx *gorm.DB) (int, error)
}

// Open connects to the configured database. It does not migrate; call
// Migrate explicitly.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		// busy_timeout and WAL mode for better concurrency
		sep := "?"
		if strings.Contains(cfg.DSN, "?") {
			sep = "&"
		}
		dialector = sqlite.Open(cfg.DSN + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported catalog driver %q", cfg.Driver)
	}

	stdLogger := cfg.Logger
	if stdLogger == nil {
		stdLogger = log.Default()
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: logger.New(stdLogger, logger.Config{
			LogLevel:                  logger.Warn,
			SlowThreshold:             200 * time.Millisecond,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	if cfg.Driver == "" || cfg.Driver == "sqlite" {
		// Limit connection pool to 1 to avoid SQLite locking errors
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return New(db, cfg.PortRangeStart), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, portRangeStart int) *Store {
	if portRangeStart <= 0 {
		portRangeStart = DefaultPortRangeStart
	}
	s := &Store{db: db, portRangeStart: portRangeStart}
	s.pickPort = s.nextFreePort
	return s
}

// DefaultPortRangeStart is the first NodePort handed out to teams.
const DefaultPortRangeStart = 31200

// Migrate creates or updates all catalog tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("failed to migrate catalog: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
