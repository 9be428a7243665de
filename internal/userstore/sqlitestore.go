package userstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// bcryptCost matches the work factor the original user store called
// bcrypt_gensalt with.
const bcryptCost = 12

// userRecord is the persisted row for one account.
type userRecord struct {
	Username     string `gorm:"primaryKey"`
	PasswordHash string
	CreatedAt    time.Time
	LastLogin    time.Time
	LoginCount   int64
}

type sqliteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed user
// store at path.
func NewSQLiteStore(path string) (Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating user store directory %s: %w", dir, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening user store %s: %w", path, err)
	}

	if err := db.AutoMigrate(&userRecord{}); err != nil {
		return nil, fmt.Errorf("migrating user store schema: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Register(ctx context.Context, username, password string) (RegisterOutcome, error) {
	var existing userRecord
	err := s.db.WithContext(ctx).First(&existing, "username = ?", username).Error
	if err == nil {
		return RegisterAlreadyExists, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return RegisterError, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return RegisterError, fmt.Errorf("hashing password: %w", err)
	}

	rec := userRecord{
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return RegisterError, err
	}
	return RegisterOK, nil
}

func (s *sqliteStore) Authenticate(ctx context.Context, username, password string) (AuthOutcome, error) {
	var rec userRecord
	err := s.db.WithContext(ctx).First(&rec, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AuthFailed, nil
	}
	if err != nil {
		return AuthError, err
	}

	// bcrypt's comparison is already constant-time with respect to the
	// candidate password, satisfying the contract without a hand-rolled
	// constant-time compare.
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
		return AuthFailed, nil
	}

	if err := s.touchLastLogin(ctx, username); err != nil {
		return AuthError, err
	}
	return AuthOK, nil
}

func (s *sqliteStore) TouchLastLogin(ctx context.Context, username string) error {
	return s.touchLastLogin(ctx, username)
}

func (s *sqliteStore) touchLastLogin(ctx context.Context, username string) error {
	return s.db.WithContext(ctx).Model(&userRecord{}).
		Where("username = ?", username).
		Updates(map[string]interface{}{
			"last_login":  time.Now(),
			"login_count": gorm.Expr("login_count + 1"),
		}).Error
}

func (s *sqliteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
