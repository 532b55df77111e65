package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gatewayshift/orchestrator/pkg/policy"
)

// ErrNotFound is returned when an API is not in the inventory.
var ErrNotFound = errors.New("api not found")

var validate = validator.New()

// Store persists APIRecords. Records are upserted and never deleted.
type Store struct {
	db     *gorm.DB
	scorer RiskScorer
	now    func() time.Time
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// AutoMigrate creates the api_records table.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&APIRecord{}); err != nil {
		return fmt.Errorf("auto-migrate api_records: %w", err)
	}
	return nil
}

// WithTx returns a Store bound to an open transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	c := *s
	c.db = tx
	return &c
}

// ImportResult counts what an import changed.
type ImportResult struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	IDs     []string `json:"ids"`
}

// Prepare validates r, fills its id and scores it when the source did not
// pin a risk level.
func (s *Store) Prepare(r *APIRecord) error {
	r.Criticality = strings.ToUpper(r.Criticality)
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid api %s/%s: %w", r.Platform, r.Name, err)
	}
	r.ID = Key(r.Platform, r.Name)
	score := s.scorer.Score(r)
	r.RiskScore = score.Overall
	r.RiskFactors = score.Factors
	if r.RiskLevel == "" {
		r.RiskLevel = score.Level
	} else {
		level, err := policy.ParseRiskLevel(string(r.RiskLevel))
		if err != nil {
			return fmt.Errorf("invalid api %s: %w", r.ID, err)
		}
		r.RiskLevel = level
	}
	return nil
}

// Import upserts records keyed by (name, platform) in one transaction.
func (s *Store) Import(ctx context.Context, records []APIRecord) (ImportResult, error) {
	var res ImportResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range records {
			r := &records[i]
			if err := s.Prepare(r); err != nil {
				return err
			}
			var n int64
			if err := tx.Model(&APIRecord{}).Where("id = ?", r.ID).Count(&n).Error; err != nil {
				return err
			}
			if err := s.WithTx(tx).upsert(r); err != nil {
				return err
			}
			if n == 0 {
				res.Created++
			} else {
				res.Updated++
			}
			res.IDs = append(res.IDs, r.ID)
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, fmt.Errorf("import apis: %w", err)
	}
	return res, nil
}

func (s *Store) upsert(r *APIRecord) error {
	now := s.now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	// id is derived from (platform, name), so it is the name+platform key.
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"base_path", "version", "upstream",
			"team", "domain", "shared_teams", "tags", "auth_methods",
			"requests_per_day", "error_rate", "p95_latency_ms",
			"dependencies", "custom_middleware", "criticality",
			"risk_level", "risk_score", "risk_factors",
			"updated_at",
		}),
	}).Create(r).Error
}

// Get returns an API by id.
func (s *Store) Get(ctx context.Context, id string) (*APIRecord, error) {
	var r APIRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api %s: %w", id, err)
	}
	return &r, nil
}

// ListFilter narrows List.
type ListFilter struct {
	Platform  string
	Team      string
	Domain    string
	RiskLevel policy.RiskLevel
}

// List returns a page of APIs ordered by id. pageToken is the last id of the
// previous page.
func (s *Store) List(ctx context.Context, f ListFilter, pageSize int, pageToken string) ([]APIRecord, string, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 500 {
		pageSize = 500
	}
	q := s.db.WithContext(ctx).Model(&APIRecord{}).Order("id ASC").Limit(pageSize + 1)
	if f.Platform != "" {
		q = q.Where("platform = ?", f.Platform)
	}
	if f.Team != "" {
		q = q.Where("team = ?", f.Team)
	}
	if f.Domain != "" {
		q = q.Where("domain = ?", f.Domain)
	}
	if f.RiskLevel != "" {
		q = q.Where("risk_level = ?", f.RiskLevel)
	}
	if pageToken != "" {
		q = q.Where("id > ?", pageToken)
	}

	var records []APIRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, "", fmt.Errorf("list apis: %w", err)
	}
	var next string
	if len(records) > pageSize {
		next = records[pageSize-1].ID
		records = records[:pageSize]
	}
	return records, next, nil
}
