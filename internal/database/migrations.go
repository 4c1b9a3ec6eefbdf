package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeGrantRoles  = "2026-09-02_normalize_access_grant_roles"
	migrationCanonicalGrantUserID = "2026-09-20_canonical_access_grant_user_ids"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeGrantRoles, apply: normalizeGrantRoles},
		{name: migrationCanonicalGrantUserID, apply: canonicalGrantUserIDs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeGrantRoles lowercases roles written by hand and demotes unknown
// ones to editor.
func normalizeGrantRoles(db *gorm.DB) error {
	if err := db.Model(&store.AccessGrant{}).
		Where("role <> lower(trim(role))").
		Update("role", gorm.Expr("lower(trim(role))")).Error; err != nil {
		return err
	}
	return db.Model(&store.AccessGrant{}).
		Where("role NOT IN ?", []string{string(store.RoleOwner), string(store.RoleEditor)}).
		Update("role", string(store.RoleEditor)).Error
}

// canonicalGrantUserIDs rewrites grants recorded against "provider:subject"
// logins to the canonical user id of the matching identity.
func canonicalGrantUserIDs(db *gorm.DB) error {
	return db.Exec(`UPDATE OR IGNORE access_grants
SET user_id = (
	SELECT user_identities.user_id FROM user_identities
	WHERE user_identities.provider || ':' || user_identities.subject = access_grants.user_id
)
WHERE EXISTS (
	SELECT 1 FROM user_identities
	WHERE user_identities.provider || ':' || user_identities.subject = access_grants.user_id
)`).Error
}
