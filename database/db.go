/*
Copyright 2025 Gare Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"database/sql"

	"github.com/shopspring/decimal"

	"github.com/garehq/gare/config"
	"github.com/garehq/gare/internal/cache"
	pgconn "github.com/garehq/gare/internal/pg-conn"
)

// Datasource wraps the shared connection pool and the read-through cache.
// All store methods in this package hang off it.
type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

// NewDataSource initializes the singleton database connection from the given
// configuration and returns it behind the IDataSource interface.
func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := pgconn.GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}

	return &Datasource{
		Conn:  con.Conn,
		Cache: con.Cache,
	}, nil
}

// ConnectDB opens a raw connection pool without the cache layer. The migrate
// commands use this to run schema changes before the cache is available.
func ConnectDB(dsConfig config.DataSourceConfig) (*sql.DB, error) {
	return pgconn.ConnectDB(dsConfig)
}

// parseAmount converts a NUMERIC column scanned as text into a decimal.
// Fares and payment amounts round-trip through strings to avoid float drift.
func parseAmount(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}
