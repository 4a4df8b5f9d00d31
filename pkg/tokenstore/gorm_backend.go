package tokenstore

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormBackend keeps tokens in a SQLite database, for deployments that want a
// real store instead of a JSON file.
type GormBackend struct {
	db *gorm.DB
}

func NewGormBackend(dsn string) (*GormBackend, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&Token{}); err != nil {
		return nil, fmt.Errorf("migrate tokens: %w", err)
	}
	return &GormBackend{db: db}, nil
}

func (b *GormBackend) Load() ([]Token, error) {
	var tokens []Token
	if err := b.db.Order("created_at, id").Find(&tokens).Error; err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	return tokens, nil
}

// Save replaces the stored set in one transaction: upsert everything present,
// delete everything that is not.
func (b *GormBackend) Save(tokens []Token) error {
	return b.db.Transaction(func(tx *gorm.DB) error {
		ids := make([]string, 0, len(tokens))
		for _, t := range tokens {
			ids = append(ids, t.ID)
		}
		if len(tokens) == 0 {
			return tx.Where("1 = 1").Delete(&Token{}).Error
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&tokens).Error; err != nil {
			return err
		}
		return tx.Where("id NOT IN ?", ids).Delete(&Token{}).Error
	})
}

func (b *GormBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
