package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// account is the gorm model behind GormUserStore.
type account struct {
	Id           int    `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
}

// GormUserStore keeps accounts in SQLite through gorm.
type GormUserStore struct {
	db *gorm.DB
}

func NewGormUserStore(dsn string) (*GormUserStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway, and an in-memory database only
	// exists on the connection that created it
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&account{}); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &GormUserStore{db: db}, nil
}

func (s *GormUserStore) IsRegistered(ctx context.Context, username string) (bool, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&account{}).Where("username = ?", username).Count(&count)
	if result.Error != nil {
		return false, result.Error
	}
	return count > 0, nil
}

func (s *GormUserStore) Register(ctx context.Context, username, password string) error {
	pwdHash, err := hashPassword(password)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).Create(&account{
		Username:     username,
		PasswordHash: pwdHash,
		CreatedAt:    time.Now().UTC(),
	})
	if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
		return ErrUserExists
	}

	return result.Error
}

func (s *GormUserStore) Verify(ctx context.Context, username, password string) (bool, error) {
	var a account
	result := s.db.WithContext(ctx).First(&a, "username = ?", username)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if result.Error != nil {
		return false, result.Error
	}

	return verifyPassword(a.PasswordHash, password), nil
}

func (s *GormUserStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
