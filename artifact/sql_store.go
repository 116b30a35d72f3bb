package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ Store = (*SQLStore)(nil)

// artifactRecord is the relational row for an artifact. Ordered collections
// and metadata are stored as JSON text so every dialect handles them alike.
type artifactRecord struct {
	ID         string    `gorm:"primaryKey;size:191"`
	Title      string    `gorm:"size:512"`
	Summary    string    `gorm:"type:text"`
	Domain     string    `gorm:"size:128;index"`
	Quality    float64   `gorm:"index"`
	Visibility string    `gorm:"size:16"`
	Insights   string    `gorm:"type:text"`
	Trail      string    `gorm:"type:text"`
	Exchange   string    `gorm:"type:text"`
	Extensions string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
}

func (artifactRecord) TableName() string { return "knowmesh_artifacts" }

// SQLStore persists artifacts through gorm (postgres, mysql or sqlite).
type SQLStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLStore wraps db and migrates the artifact table.
func NewSQLStore(db *gorm.DB, logger *zap.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("artifact: nil database")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&artifactRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate artifact table: %w", err)
	}
	return &SQLStore{db: db, logger: logger.With(zap.String("component", "artifact_sql_store"))}, nil
}

// List returns artifacts ordered by creation time, then id.
func (s *SQLStore) List(ctx context.Context) ([]*Artifact, error) {
	var rows []artifactRecord
	if err := s.db.WithContext(ctx).Order("created_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	out := make([]*Artifact, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toArtifact()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *SQLStore) Read(ctx context.Context, id string) (*Artifact, error) {
	var row artifactRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", id, err)
	}
	return row.toArtifact()
}

func (s *SQLStore) Write(ctx context.Context, a *Artifact) error {
	if err := a.Validate(); err != nil {
		return err
	}
	row, err := fromArtifact(a)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(row).Error
	if err != nil {
		s.logger.Error("artifact write failed", zap.String("artifact_id", a.ID), zap.Error(err))
		return fmt.Errorf("failed to write artifact %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&artifactRecord{}).Error; err != nil {
		return fmt.Errorf("failed to delete artifact %s: %w", id, err)
	}
	return nil
}

func fromArtifact(a *Artifact) (*artifactRecord, error) {
	row := &artifactRecord{
		ID:         a.ID,
		Title:      a.Title,
		Summary:    a.Summary,
		Domain:     a.Domain,
		Quality:    a.Quality,
		Visibility: string(a.Visibility),
		CreatedAt:  a.CreatedAt,
	}
	for _, f := range []struct {
		dst *string
		src any
		ok  bool
	}{
		{&row.Insights, a.Insights, true},
		{&row.Trail, a.Trail, len(a.Trail) > 0},
		{&row.Exchange, a.Exchange, a.Exchange != nil},
		{&row.Extensions, a.Extensions, len(a.Extensions) > 0},
	} {
		if !f.ok {
			continue
		}
		b, err := json.Marshal(f.src)
		if err != nil {
			return nil, fmt.Errorf("failed to encode artifact %s: %w", a.ID, err)
		}
		*f.dst = string(b)
	}
	return row, nil
}

func (r *artifactRecord) toArtifact() (*Artifact, error) {
	a := &Artifact{
		ID:         r.ID,
		Title:      r.Title,
		Summary:    r.Summary,
		Domain:     r.Domain,
		Quality:    r.Quality,
		Visibility: Visibility(r.Visibility),
		CreatedAt:  r.CreatedAt,
	}
	for _, f := range []struct {
		src string
		dst any
	}{
		{r.Insights, &a.Insights},
		{r.Trail, &a.Trail},
		{r.Exchange, &a.Exchange},
		{r.Extensions, &a.Extensions},
	} {
		if f.src == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode artifact %s: %w", r.ID, err)
		}
	}
	return a, nil
}
