package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/almsync/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

type requirementRow struct {
	ID                 string             `gorm:"column:req_id;primaryKey"`
	Text               string             `gorm:"column:text"`
	RegulatoryTags     []string           `gorm:"column:regulatory_tags;serializer:json"`
	RemoteKey          *string            `gorm:"column:remote_key;uniqueIndex"`
	RemoteKeyCreatedAt *time.Time         `gorm:"column:remote_key_created_at"`
	Mirror             types.RemoteMirror `gorm:"embedded;embeddedPrefix:mirror_"`
	CreatedAt          time.Time          `gorm:"column:created_at;index"`
}

func (requirementRow) TableName() string { return "requirement" }

type testCaseRow struct {
	ID        string                `gorm:"column:test_id;primaryKey"`
	ReqID     string                `gorm:"column:req_id;index:idx_test_case_req_seq,priority:1"`
	Sequence  int                   `gorm:"column:sequence;index:idx_test_case_req_seq,priority:2"`
	Payload   types.TestCasePayload `gorm:"column:payload;serializer:json"`
	CreatedAt time.Time             `gorm:"column:created_at"`
}

func (testCaseRow) TableName() string { return "test_case" }

type complianceRow struct {
	ID              string    `gorm:"column:compliance_id;primaryKey"`
	TestID          string    `gorm:"column:test_id;index:idx_compliance_test_tag,priority:1"`
	ReqID           string    `gorm:"column:req_id;index"`
	RegulatoryTag   string    `gorm:"column:regulatory_tag;index:idx_compliance_test_tag,priority:2"`
	Score           float64   `gorm:"column:score"`
	Status          string    `gorm:"column:status"`
	Violations      []string  `gorm:"column:violations;serializer:json"`
	Recommendations []string  `gorm:"column:recommendations;serializer:json"`
	Citations       []string  `gorm:"column:citations;serializer:json"`
	CreatedAt       time.Time `gorm:"column:created_at;index:idx_compliance_test_tag,priority:3"`
}

func (complianceRow) TableName() string { return "compliance" }

type issueRow struct {
	ID                 string             `gorm:"column:issue_id;primaryKey"`
	TestID             string             `gorm:"column:test_id;index:idx_issue_test_tag,priority:1"`
	ReqID              string             `gorm:"column:req_id;index"`
	RegulatoryTag      string             `gorm:"column:regulatory_tag;index:idx_issue_test_tag,priority:2"`
	Score              float64            `gorm:"column:score"`
	Notes              string             `gorm:"column:notes"`
	RemoteKey          *string            `gorm:"column:remote_key;uniqueIndex"`
	RemoteKeyCreatedAt *time.Time         `gorm:"column:remote_key_created_at"`
	Mirror             types.RemoteMirror `gorm:"embedded;embeddedPrefix:mirror_"`
	CreatedAt          time.Time          `gorm:"column:created_at;index"`
}

func (issueRow) TableName() string { return "issue" }

// SQLStore implements Store on a relational warehouse through gorm
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenSQLStore opens a sqlite or postgres warehouse and migrates its tables
func OpenSQLStore(driver, dsn string) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	store, err := NewSQLStore(dialector)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// sqlite allows a single writer
		sqlDB, err := store.db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return store, nil
}

// NewSQLStore opens a warehouse on an arbitrary gorm dialector
func NewSQLStore(dialector gorm.Dialector) (*SQLStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormLogger.Default.LogMode(gormLogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse: %w", err)
	}

	if err := db.AutoMigrate(&requirementRow{}, &testCaseRow{}, &complianceRow{}, &issueRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate warehouse: %w", err)
	}

	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying connection pool
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

// Requirement operations
func (s *SQLStore) CreateRequirement(ctx context.Context, req *types.Requirement) error {
	row := requirementToRow(req)
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLStore) GetRequirement(ctx context.Context, id string) (*types.Requirement, error) {
	var row requirementRow
	if err := s.db.WithContext(ctx).Where("req_id = ?", id).Take(&row).Error; err != nil {
		return nil, notFound(err, "requirement", id)
	}
	return row.toType(), nil
}

func (s *SQLStore) ListUnlinkedRequirements(ctx context.Context, limit int) ([]*types.Requirement, error) {
	var rows []requirementRow
	q := s.db.WithContext(ctx).Where("remote_key IS NULL OR remote_key = ''").Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Requirement, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toType())
	}
	return out, nil
}

func (s *SQLStore) SetRequirementRemoteKey(ctx context.Context, id, key string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&requirementRow{}).Where("req_id = ?", id).Updates(map[string]any{
		"remote_key":            key,
		"remote_key_created_at": at.UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("requirement %s: %w", id, ErrNotFound)
	}
	return nil
}

// Test case operations
func (s *SQLStore) CreateTestCases(ctx context.Context, tcs []*types.TestCase) error {
	if len(tcs) == 0 {
		return nil
	}
	rows := make([]testCaseRow, 0, len(tcs))
	for _, tc := range tcs {
		rows = append(rows, testCaseRow{
			ID:        tc.ID,
			ReqID:     tc.ReqID,
			Sequence:  tc.Sequence,
			Payload:   tc.Payload,
			CreatedAt: tc.CreatedAt,
		})
	}
	return s.db.WithContext(ctx).Create(&rows).Error
}

func (s *SQLStore) ListTestCases(ctx context.Context, reqID string) ([]*types.TestCase, error) {
	var rows []testCaseRow
	if err := s.db.WithContext(ctx).Where("req_id = ?", reqID).Order("sequence ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.TestCase, 0, len(rows))
	for _, r := range rows {
		out = append(out, &types.TestCase{
			ID:        r.ID,
			ReqID:     r.ReqID,
			Sequence:  r.Sequence,
			Payload:   r.Payload,
			CreatedAt: r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

// Compliance operations
func (s *SQLStore) AppendCompliance(ctx context.Context, c *types.Compliance) error {
	row := complianceRow{
		ID:              c.ID,
		TestID:          c.TestID,
		ReqID:           c.ReqID,
		RegulatoryTag:   c.RegulatoryTag,
		Score:           c.Score,
		Status:          c.Status,
		Violations:      c.Violations,
		Recommendations: c.Recommendations,
		Citations:       c.Citations,
		CreatedAt:       c.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLStore) ListCompliance(ctx context.Context, reqID string) ([]*types.Compliance, error) {
	var rows []complianceRow
	if err := s.db.WithContext(ctx).Where("req_id = ?", reqID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Compliance, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toType())
	}
	return out, nil
}

func (s *SQLStore) LatestCompliance(ctx context.Context, testID, tag string) (*types.Compliance, error) {
	var row complianceRow
	err := s.db.WithContext(ctx).
		Where("test_id = ? AND regulatory_tag = ?", testID, tag).
		Order("created_at DESC").
		Take(&row).Error
	if err != nil {
		return nil, notFound(err, "compliance", testID+"/"+tag)
	}
	return row.toType(), nil
}

// Issue operations
func (s *SQLStore) CreateIssue(ctx context.Context, issue *types.Issue) error {
	row := issueToRow(issue)
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLStore) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	var row issueRow
	if err := s.db.WithContext(ctx).Where("issue_id = ?", id).Take(&row).Error; err != nil {
		return nil, notFound(err, "issue", id)
	}
	return row.toType(), nil
}

func (s *SQLStore) FindIssues(ctx context.Context, testID, tag string) ([]*types.Issue, error) {
	var rows []issueRow
	err := s.db.WithContext(ctx).
		Where("test_id = ? AND regulatory_tag = ?", testID, tag).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.Issue, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toType())
	}
	return out, nil
}

func (s *SQLStore) ListIssues(ctx context.Context, reqID string) ([]*types.Issue, error) {
	var rows []issueRow
	err := s.db.WithContext(ctx).
		Where("req_id = ?", reqID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.Issue, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toType())
	}
	return out, nil
}

func (s *SQLStore) ListUnlinkedIssues(ctx context.Context, limit int) ([]*types.Issue, error) {
	var rows []issueRow
	q := s.db.WithContext(ctx).Where("remote_key IS NULL OR remote_key = ''").Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Issue, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toType())
	}
	return out, nil
}

func (s *SQLStore) SetIssueRemoteKey(ctx context.Context, id, key string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&issueRow{}).Where("issue_id = ?", id).Updates(map[string]any{
		"remote_key":            key,
		"remote_key_created_at": at.UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpsertRemote resolves the row and writes it in one transaction. A miss
// inserts under the name-based id with ON CONFLICT DO NOTHING, so a
// concurrent delivery of the same event turns into an update.
func (s *SQLStore) UpsertRemote(ctx context.Context, table types.Table, key types.NaturalKey, fields types.RemoteFields) (types.UpsertOutcome, error) {
	if key.RemoteKey == "" {
		return "", fmt.Errorf("upsert %s: remote key is required", table)
	}

	var outcome types.UpsertOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		switch table {
		case types.TableRequirement:
			outcome, err = s.upsertRequirement(tx, key, fields)
		case types.TableIssue:
			outcome, err = s.upsertIssue(tx, key, fields)
		default:
			err = fmt.Errorf("upsert: table %s does not accept remote writes", table)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func (s *SQLStore) upsertRequirement(tx *gorm.DB, key types.NaturalKey, fields types.RemoteFields) (types.UpsertOutcome, error) {
	var row requirementRow
	found, err := findByNaturalKey(tx, "req_id", key, &row)
	if err != nil {
		return "", err
	}
	if !found {
		row = requirementToRow(newRemoteRequirement(RemoteRowID(types.TableRequirement, key.RemoteKey), key.RemoteKey, fields, s.now()))
		inserted, err := insertOnce(tx, &row, "req_id", row.ID)
		if err != nil || inserted {
			return types.UpsertInserted, err
		}
	}
	if staleEdit(row.Mirror.RemoteUpdatedAt, fields.Mirror.RemoteUpdatedAt) {
		return types.UpsertSkipped, nil
	}
	mergeMirror(&row.Mirror, fields.Mirror)
	if err := tx.Model(&requirementRow{}).Where("req_id = ?", row.ID).Updates(mirrorColumns(row.Mirror)).Error; err != nil {
		return "", err
	}
	return types.UpsertUpdated, nil
}

func (s *SQLStore) upsertIssue(tx *gorm.DB, key types.NaturalKey, fields types.RemoteFields) (types.UpsertOutcome, error) {
	var row issueRow
	found, err := findByNaturalKey(tx, "issue_id", key, &row)
	if err != nil {
		return "", err
	}
	if !found {
		row = issueToRow(newRemoteIssue(RemoteRowID(types.TableIssue, key.RemoteKey), key.RemoteKey, fields, s.now()))
		inserted, err := insertOnce(tx, &row, "issue_id", row.ID)
		if err != nil || inserted {
			return types.UpsertInserted, err
		}
	}
	if staleEdit(row.Mirror.RemoteUpdatedAt, fields.Mirror.RemoteUpdatedAt) {
		return types.UpsertSkipped, nil
	}
	mergeMirror(&row.Mirror, fields.Mirror)
	if err := tx.Model(&issueRow{}).Where("issue_id = ?", row.ID).Updates(mirrorColumns(row.Mirror)).Error; err != nil {
		return "", err
	}
	return types.UpsertUpdated, nil
}

func findByNaturalKey[T any](tx *gorm.DB, idColumn string, key types.NaturalKey, dst *T) (bool, error) {
	if key.LocalID != "" {
		err := tx.Where(idColumn+" = ?", key.LocalID).Take(dst).Error
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return false, err
		}
	}
	err := tx.Where("remote_key = ?", key.RemoteKey).Take(dst).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

// insertOnce inserts row unless another writer got there first, in which
// case row is reloaded from the winner
func insertOnce[T any](tx *gorm.DB, row *T, idColumn, id string) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	var winner T
	if err := tx.Where(idColumn+" = ?", id).Take(&winner).Error; err != nil {
		return false, err
	}
	*row = winner
	return false, nil
}

func mirrorColumns(m types.RemoteMirror) map[string]any {
	return map[string]any{
		"mirror_title":             m.Title,
		"mirror_description":       m.Description,
		"mirror_issue_type":        m.IssueType,
		"mirror_priority":          m.Priority,
		"mirror_status":            m.Status,
		"mirror_assignee":          m.Assignee,
		"mirror_remote_created_at": m.RemoteCreatedAt,
		"mirror_remote_updated_at": m.RemoteUpdatedAt,
		"mirror_synced_at":         m.SyncedAt,
	}
}

func requirementToRow(r *types.Requirement) requirementRow {
	return requirementRow{
		ID:                 r.ID,
		Text:               r.Text,
		RegulatoryTags:     r.RegulatoryTags,
		RemoteKey:          r.RemoteKey,
		RemoteKeyCreatedAt: r.RemoteKeyCreatedAt,
		Mirror:             r.Mirror,
		CreatedAt:          r.CreatedAt,
	}
}

func (r *requirementRow) toType() *types.Requirement {
	return &types.Requirement{
		ID:                 r.ID,
		Text:               r.Text,
		RegulatoryTags:     r.RegulatoryTags,
		RemoteKey:          r.RemoteKey,
		RemoteKeyCreatedAt: utcPtr(r.RemoteKeyCreatedAt),
		Mirror:             utcMirror(r.Mirror),
		CreatedAt:          r.CreatedAt.UTC(),
	}
}

func (r *complianceRow) toType() *types.Compliance {
	return &types.Compliance{
		ID:              r.ID,
		TestID:          r.TestID,
		ReqID:           r.ReqID,
		RegulatoryTag:   r.RegulatoryTag,
		Score:           r.Score,
		Status:          r.Status,
		Violations:      r.Violations,
		Recommendations: r.Recommendations,
		Citations:       r.Citations,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

func issueToRow(i *types.Issue) issueRow {
	return issueRow{
		ID:                 i.ID,
		TestID:             i.TestID,
		ReqID:              i.ReqID,
		RegulatoryTag:      i.RegulatoryTag,
		Score:              i.Score,
		Notes:              i.Notes,
		RemoteKey:          i.RemoteKey,
		RemoteKeyCreatedAt: i.RemoteKeyCreatedAt,
		Mirror:             i.Mirror,
		CreatedAt:          i.CreatedAt,
	}
}

func (r *issueRow) toType() *types.Issue {
	return &types.Issue{
		ID:                 r.ID,
		TestID:             r.TestID,
		ReqID:              r.ReqID,
		RegulatoryTag:      r.RegulatoryTag,
		Score:              r.Score,
		Notes:              r.Notes,
		RemoteKey:          r.RemoteKey,
		RemoteKeyCreatedAt: utcPtr(r.RemoteKeyCreatedAt),
		Mirror:             utcMirror(r.Mirror),
		CreatedAt:          r.CreatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return types.TimePtr(t.UTC())
}

func utcMirror(m types.RemoteMirror) types.RemoteMirror {
	m.RemoteCreatedAt = utcPtr(m.RemoteCreatedAt)
	m.RemoteUpdatedAt = utcPtr(m.RemoteUpdatedAt)
	m.SyncedAt = utcPtr(m.SyncedAt)
	return m
}
