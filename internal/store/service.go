package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/document"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "store.service.new"
	opLoadDocument   = "store.load_document"
	opSaveSnapshots  = "store.save_snapshots"
	opCheckAccess    = "store.check_access"
	opGrantAccess    = "store.grant_access"
	opListGrants     = "store.list_grants"
	snapshotsVersion = "excluded.version > document_snapshots.version"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service persists document snapshots and access grants.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// LoadDocument returns the persisted state of documentID. found is false when
// the document has never been saved.
func (s *Service) LoadDocument(ctx context.Context, documentID string) (string, int64, bool, error) {
	id, err := validateIdentifier(documentID, ErrInvalidDocumentID)
	if err != nil {
		return "", 0, false, newServiceError(opLoadDocument, "invalid_document_id", err)
	}
	var snapshot DocumentSnapshot
	err = s.db.WithContext(ctx).Where("document_id = ?", id).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, false, nil
	}
	if err != nil {
		s.logError(opLoadDocument, "snapshot_select_failed", err, zap.String("document_id", id))
		return "", 0, false, newServiceError(opLoadDocument, "snapshot_select_failed", err)
	}
	return snapshot.Content, snapshot.Version, true, nil
}

// SaveSnapshots upserts the given documents. A stored row is only replaced by
// a snapshot with a higher version. It returns the number of rows written.
func (s *Service) SaveSnapshots(ctx context.Context, snapshots []document.Snapshot) (int64, error) {
	if len(snapshots) == 0 {
		return 0, nil
	}
	updatedAt := s.clock().UTC().Unix()
	rows := make([]DocumentSnapshot, 0, len(snapshots))
	for _, snapshot := range snapshots {
		id, err := validateIdentifier(snapshot.DocumentID, ErrInvalidDocumentID)
		if err != nil {
			return 0, newServiceError(opSaveSnapshots, "invalid_document_id", err)
		}
		rows = append(rows, DocumentSnapshot{
			DocumentID:       id,
			Content:          snapshot.Content,
			Version:          snapshot.Version,
			UpdatedAtSeconds: updatedAt,
		})
	}

	var written int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index := range rows {
			result := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "document_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"content", "version", "updated_at_s"}),
				Where:     clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: snapshotsVersion}}},
			}).Create(&rows[index])
			if result.Error != nil {
				s.logError(opSaveSnapshots, "snapshot_upsert_failed", result.Error,
					zap.String("document_id", rows[index].DocumentID),
					zap.Int64("version", rows[index].Version))
				return newServiceError(opSaveSnapshots, "snapshot_upsert_failed", result.Error)
			}
			written += result.RowsAffected
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return written, nil
}

// CheckAccess reports whether userID may join documentID. A document without
// any grant is open to every authenticated user.
func (s *Service) CheckAccess(ctx context.Context, documentID, userID string) (bool, error) {
	docID, err := validateIdentifier(documentID, ErrInvalidDocumentID)
	if err != nil {
		return false, nil
	}
	uid, err := validateIdentifier(userID, ErrInvalidUserID)
	if err != nil {
		return false, nil
	}

	var grants []AccessGrant
	err = s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Find(&grants).Error
	if err != nil {
		s.logError(opCheckAccess, "grant_select_failed", err,
			zap.String("document_id", docID),
			zap.String("user_id", uid))
		return false, newServiceError(opCheckAccess, "grant_select_failed", err)
	}
	if len(grants) == 0 {
		return true, nil
	}
	for _, grant := range grants {
		if grant.UserID == uid {
			return true, nil
		}
	}
	return false, nil
}

// GrantAccess records or updates the role of userID on documentID.
func (s *Service) GrantAccess(ctx context.Context, documentID, userID string, role Role) error {
	docID, err := validateIdentifier(documentID, ErrInvalidDocumentID)
	if err != nil {
		return newServiceError(opGrantAccess, "invalid_document_id", err)
	}
	uid, err := validateIdentifier(userID, ErrInvalidUserID)
	if err != nil {
		return newServiceError(opGrantAccess, "invalid_user_id", err)
	}
	if _, err := ParseRole(string(role)); err != nil {
		return newServiceError(opGrantAccess, "invalid_role", err)
	}

	grant := AccessGrant{
		DocumentID:       docID,
		UserID:           uid,
		Role:             role,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&grant).Error
	if err != nil {
		s.logError(opGrantAccess, "grant_upsert_failed", err,
			zap.String("document_id", docID),
			zap.String("user_id", uid))
		return newServiceError(opGrantAccess, "grant_upsert_failed", err)
	}
	s.logger.Info("access granted",
		zap.String("document_id", docID),
		zap.String("user_id", uid),
		zap.String("role", string(role)))
	return nil
}

// Grants lists the grants recorded for documentID ordered by user id.
func (s *Service) Grants(ctx context.Context, documentID string) ([]AccessGrant, error) {
	docID, err := validateIdentifier(documentID, ErrInvalidDocumentID)
	if err != nil {
		return nil, newServiceError(opListGrants, "invalid_document_id", err)
	}
	var grants []AccessGrant
	err = s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("user_id ASC").
		Find(&grants).Error
	if err != nil {
		s.logError(opListGrants, "grant_select_failed", err, zap.String("document_id", docID))
		return nil, newServiceError(opListGrants, "grant_select_failed", err)
	}
	return grants, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store service error", attrs...)
}
