package migration

import (
	"fmt"

	appconfig "github.com/BaSui01/mediaflow/config"
)

// NewMigratorFromConfig creates a migrator for the configured database
func NewMigratorFromConfig(cfg *appconfig.Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return NewMigratorFromDatabaseConfig(cfg.Database)
}

// NewMigratorFromDatabaseConfig creates a migrator from database configuration
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig) (*DefaultMigrator, error) {
	dbURL, dbType, err := DatabaseURL(dbCfg)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  dbURL,
		TableName:    "schema_migrations",
	})
}

// DatabaseURL builds the migrate connection URL for a database configuration
func DatabaseURL(dbCfg appconfig.DatabaseConfig) (string, DatabaseType, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return "", "", fmt.Errorf("invalid database type: %w", err)
	}

	switch dbType {
	case DatabaseTypePostgres:
		return BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, dbCfg.SSLMode), dbType, nil
	case DatabaseTypeMySQL:
		return BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, ""), dbType, nil
	default:
		return "", dbType, ErrSQLiteUnsupported
	}
}

// NewMigratorFromURL creates a new migrator from a database URL
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}

	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
		TableName:    "schema_migrations",
	})
}
