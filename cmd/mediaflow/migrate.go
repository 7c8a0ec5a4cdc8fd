package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/mediaflow/config"
	"github.com/BaSui01/mediaflow/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// migrateFlags 各子命令共用的连接参数
type migrateFlags struct {
	configPath string
	dbType     string
	dbURL      string
	all        bool
}

func (f *migrateFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to config file")
	fs.StringVar(&f.dbType, "db-type", "", "Database type (postgres, mysql)")
	fs.StringVar(&f.dbURL, "db-url", "", "Database connection URL")
}

// newMigrator 优先使用 --db-type/--db-url，否则读取配置中的 database 段
func (f *migrateFlags) newMigrator() (*migration.DefaultMigrator, error) {
	if f.dbType != "" && f.dbURL != "" {
		return migration.NewMigratorFromURL(f.dbType, f.dbURL)
	}

	loader := config.NewLoader()
	if f.configPath != "" {
		loader = loader.WithConfigPath(f.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if f.dbType != "" {
		cfg.Database.Driver = f.dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

// runMigrate 处理 migrate 子命令
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "up":
		withMigrator("up", rest, func(ctx context.Context, cli *migration.CLI, _ migrateFlags) error {
			return cli.RunUp(ctx)
		})
	case "down":
		withMigrator("down", rest, func(ctx context.Context, cli *migration.CLI, f migrateFlags) error {
			if f.all {
				return cli.RunDownAll(ctx)
			}
			return cli.RunDown(ctx)
		})
	case "status":
		withMigrator("status", rest, func(ctx context.Context, cli *migration.CLI, _ migrateFlags) error {
			return cli.RunStatus(ctx)
		})
	case "version":
		withMigrator("version", rest, func(ctx context.Context, cli *migration.CLI, _ migrateFlags) error {
			return cli.RunVersion(ctx)
		})
	case "goto":
		version := versionArg("goto", rest)
		withMigrator("goto", rest[1:], func(ctx context.Context, cli *migration.CLI, _ migrateFlags) error {
			if version < 0 {
				return fmt.Errorf("version must not be negative")
			}
			return cli.RunGoto(ctx, uint(version))
		})
	case "force":
		version := versionArg("force", rest)
		withMigrator("force", rest[1:], func(ctx context.Context, cli *migration.CLI, _ migrateFlags) error {
			return cli.RunForce(ctx, int(version))
		})
	case "steps":
		n := versionArg("steps", rest)
		withMigrator("steps", rest[1:], func(ctx context.Context, cli *migration.CLI, _ migrateFlags) error {
			return cli.RunSteps(ctx, int(n))
		})
	case "info":
		withMigrator("info", rest, func(ctx context.Context, cli *migration.CLI, _ migrateFlags) error {
			return cli.RunInfo(ctx)
		})
	case "reset":
		withMigrator("reset", rest, func(ctx context.Context, cli *migration.CLI, _ migrateFlags) error {
			return cli.RunDownAll(ctx)
		})
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", sub)
		printMigrateUsage()
		os.Exit(1)
	}
}

// versionArg 解析 goto/force/steps 的整数参数，steps 可为负数表示回滚
func versionArg(sub string, args []string) int64 {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: mediaflow migrate %s <n>\n", sub)
		os.Exit(1)
	}
	v, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}
	return v
}

func withMigrator(sub string, args []string, run func(context.Context, *migration.CLI, migrateFlags) error) {
	var f migrateFlags
	fs := flag.NewFlagSet("migrate "+sub, flag.ExitOnError)
	f.register(fs)
	if sub == "down" {
		fs.BoolVar(&f.all, "all", false, "Rollback all migrations")
	}
	_ = fs.Parse(args)

	m, err := f.newMigrator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}

	err = run(context.Background(), migration.NewCLI(m), f)
	_ = m.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", sub, err)
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  mediaflow migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration (--all for every migration)
  status    Show migration status
  version   Show current migration version
  info      Show database type, version and pending count
  steps     Apply (n > 0) or roll back (n < 0) n migrations
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql (default: from config)
  --db-url <url>      Database connection URL (default: from config)

SQLite databases are created by the server with auto migration and are
not managed by these commands.

Examples:
  mediaflow migrate up --config /etc/mediaflow/config.yaml
  mediaflow migrate down
  mediaflow migrate status
  mediaflow migrate goto 1
  mediaflow migrate force 1`)
}
