/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package db

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/carverauto/assetradar/pkg/store"
)

var (
	ErrFailedToScan   = errors.New("failed to scan")
	ErrFailedToQuery  = errors.New("failed to query")
	ErrFailedToInsert = errors.New("failed to insert")
	ErrFailedToEncode = errors.New("failed to encode document")
	ErrFailedToDecode = errors.New("failed to decode document")
)

// PostgreSQL SQLSTATE codes for failures worth retrying.
const (
	sqlstateDeadlockDetected    = "40P01"
	sqlstateSerializationFailed = "40001"
	sqlstateStatementTimeout    = "57014"
	sqlstateAdminShutdown       = "57P01"
	sqlstateCannotConnectNow    = "57P03"
	sqlstateUndefinedTable      = "42P01"
)

// isTransientPGError reports whether err is a lock, timeout or connection
// failure that a retry may clear.
func isTransientPGError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateDeadlockDetected, sqlstateSerializationFailed, sqlstateStatementTimeout,
			sqlstateAdminShutdown, sqlstateCannotConnectNow:
			return true
		}

		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded)
}

// wrapErr maps a pgx failure onto the store error taxonomy.
func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return store.ErrNotFound
	case isTransientPGError(err):
		return store.Transient(op, err)
	default:
		return err
	}
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == sqlstateUndefinedTable
}
