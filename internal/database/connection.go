package database

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"xpilot/internal/models"
)

var DB *gorm.DB

type Config struct {
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        logger.LogLevel
}

func Initialize(cfg *Config) error {
	if cfg.DSN == "" {
		cfg.DSN = os.Getenv("DATABASE_URL")
	}

	if cfg.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 20
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = time.Hour
	}
	if cfg.LogLevel == 0 {
		cfg.LogLevel = logger.Warn
	}

	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  cfg.LogLevel,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      newLogger,
		PrepareStmt: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	DB = db

	if err := Migrate(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Migrate creates or updates all tables and the supporting indexes.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := db.AutoMigrate(
		&models.Account{},
		&models.Agent{},
		&models.Post{},
		&models.PostMetrics{},
		&models.CostLog{},
		&models.EngagementAction{},
		&models.SearchLog{},
		&models.FetchLog{},
		&models.TargetPostCandidate{},
		&models.DailyPDCA{},
		&models.AuditLog{},
		&models.XAuthToken{},
		&models.OAuthState{},
	); err != nil {
		return fmt.Errorf("failed to migrate models: %w", err)
	}

	return createIndexes(db)
}

func createIndexes(db *gorm.DB) error {
	// Posting worker scan: due unpublished posts.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_posts_due ON posts(scheduled_at) WHERE posted_at IS NULL")

	// Daily limiter counts.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_engagement_agent_type_executed ON engagement_actions(agent_id, action_type, executed_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_search_agent_source_date ON search_logs(agent_id, source, date)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_fetch_agent_date ON fetch_logs(agent_id, date)")

	// Guard failure streak lookups.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_audit_streak ON audit_logs(agent_id, source, event_type, id)")

	return nil
}

func Close() error {
	if DB == nil {
		return nil
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func GetDB() *gorm.DB {
	return DB
}

func IsHealthy() bool {
	if DB == nil {
		return false
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return false
	}

	return sqlDB.Ping() == nil
}
