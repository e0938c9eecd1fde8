package db

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"devlabs/internal/config"
)

// Connect opens a GORM database connection using APP_DATABASE_URL (PostgreSQL URL).
func Connect(cfg *config.Config) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return nil, errors.New("APP_DATABASE_URL is required (PostgreSQL URL)")
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil, errors.New("APP_DATABASE_URL must be a postgres:// or postgresql:// URL")
	}

	// PrepareStmt keeps the migrator on the extended protocol; without
	// it the probe queries fail with "insufficient arguments".
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{PrepareStmt: true})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Lab{}, &User{}, &ActivityLog{}, &ConfigEntry{}); err != nil {
		return nil, err
	}

	return db, nil
}

// EnsureBootstrapAdmin makes sure there is at least one admin user
// corresponding to the bootstrap credentials in config. If a user with
// that email already exists, it is left as-is. Returns the admin's API
// token when the account was created, so it can be logged once.
func EnsureBootstrapAdmin(db *gorm.DB, cfg *config.Config) (string, error) {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return "", nil
	}

	var count int64
	if err := db.Model(&User{}).Where("email = ?", cfg.AdminEmail).Count(&count).Error; err != nil {
		return "", err
	}
	if count > 0 {
		return "", nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	admin := &User{
		Email:        cfg.AdminEmail,
		Name:         cfg.AdminName,
		PasswordHash: string(hash),
		APIToken:     uuid.NewString(),
		IsAdmin:      true,
	}

	if err := db.Create(admin).Error; err != nil {
		return "", err
	}
	return admin.APIToken, nil
}

// TouchLastLogin stamps the user's last successful login.
func TouchLastLogin(db *gorm.DB, userID uint) error {
	now := time.Now()
	return db.Model(&User{}).Where("id = ?", userID).Update("last_login", &now).Error
}
