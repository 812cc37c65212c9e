package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/delegateflow/config"
	"github.com/BaSui01/delegateflow/internal/migration"
)

// =============================================================================
// 🗄️ Database migration commands
// =============================================================================

const migrateUsage = `Database Migration Commands

Usage:
  delegateflow migrate <subcommand> [args] [options]

Subcommands:
  up          Apply all pending migrations
  down        Roll back the last migration
  reset       Roll back every migration
  steps <n>   Apply (n > 0) or roll back (n < 0) n migrations
  goto <v>    Migrate to version v
  force <v>   Set the version without running migrations (use with caution)
  status      Show every migration and whether it is applied
  version     Show the current version
  info        Show version, dirty flag and pending count

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  delegateflow migrate up --config /etc/delegateflow/config.yaml
  delegateflow migrate goto 2
  delegateflow migrate status --db-type sqlite --db-url sqlite://delegateflow.db`

// migrateOptions are the flags shared by every subcommand.
type migrateOptions struct {
	configPath string
	dbType     string
	dbURL      string
}

// runMigrate handles "delegateflow migrate".
func runMigrate(args []string) {
	if len(args) < 1 || isHelp(args[0]) {
		fmt.Println(migrateUsage)
		if len(args) < 1 {
			os.Exit(1)
		}
		return
	}

	command := args[0]
	positional, opts, err := parseMigrateArgs(command, args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	m, err := newMigrator(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	if err := migration.NewCLI(m).Execute(context.Background(), command, positional); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", command, err)
		os.Exit(1)
	}
}

func isHelp(s string) bool {
	return s == "help" || s == "-h" || s == "--help"
}

// parseMigrateArgs separates positional arguments from flags, accepting
// positionals before or after the flags ("goto 2 --config x").
func parseMigrateArgs(command string, args []string, output io.Writer) ([]string, migrateOptions, error) {
	var opts migrateOptions
	fs := flag.NewFlagSet("migrate "+command, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", "", "Path to config file")
	fs.StringVar(&opts.dbType, "db-type", "", "Database type (postgres, mysql, sqlite)")
	fs.StringVar(&opts.dbURL, "db-url", "", "Database connection URL")

	var positional []string
	for len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		positional = append(positional, args[0])
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return nil, opts, err
	}
	positional = append(positional, fs.Args()...)
	return positional, opts, nil
}

// newMigrator uses an explicit URL when both db flags are set, otherwise the
// database section of the config.
func newMigrator(opts migrateOptions) (*migration.DefaultMigrator, error) {
	logger := zap.NewNop()
	if opts.dbType != "" && opts.dbURL != "" {
		return migration.NewMigratorFromURL(opts.dbType, opts.dbURL, logger)
	}

	loader := config.NewLoader()
	if opts.configPath != "" {
		loader = loader.WithConfigPath(opts.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.dbType != "" {
		cfg.Database.Driver = opts.dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}
