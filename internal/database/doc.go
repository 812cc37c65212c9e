// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

/*
Package database opens the relational store and manages its connection pool.

Open selects a gorm dialector for postgres, mysql, sqlite (pure Go) or
sqlite3 (cgo) and enables error translation so stores can detect unique
violations through IsDuplicateKey. PoolManager applies pool limits, runs a
background health check and offers WithTransaction / WithTransactionRetry.
*/
package database
