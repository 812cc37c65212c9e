// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

/*
Package migration manages the delegateflow schema for PostgreSQL, MySQL and
SQLite with golang-migrate.

SQL files for each dialect are embedded under migrations/<dialect>. They
create the delegate registry tables, the task table and the capability
permission tables. The gorm models in delegate, identity, taskqueue and
matching mirror these schemas; AutoMigrate is only used by tests.

DefaultMigrator implements Migrator (Up, Down, DownAll, Steps, Goto, Force,
Version, Status, Info). CLI prints the same operations for the
"delegateflow migrate" subcommand. NewMigratorFromConfig builds a migrator
from the application database section.

The sqlite dialect opens the "sqlite" database/sql driver, so the binary must
link a pure Go SQLite driver that registers it.
*/
package migration
