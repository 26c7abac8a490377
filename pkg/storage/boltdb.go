package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/almsync/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketRequirements   = []byte("requirements")
	bucketTestCases      = []byte("test_cases")
	bucketCompliance     = []byte("compliance")
	bucketIssues         = []byte("issues")
	bucketRequirementKey = []byte("requirement_remote_keys")
	bucketIssueKey       = []byte("issue_remote_keys")
)

// BoltStore implements Store using BoltDB. Every write runs in a single
// bolt transaction, so conditional writes are atomic.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "almsync.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketRequirements,
			bucketTestCases,
			bucketCompliance,
			bucketIssues,
			bucketRequirementKey,
			bucketIssueKey,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func getJSON(b *bolt.Bucket, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// scan decodes every value in a bucket and keeps those accepted by keep
func scan[T any](b *bolt.Bucket, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := b.ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		if keep(&item) {
			out = append(out, &item)
		}
		return nil
	})
	return out, err
}

func limitTo[T any](items []*T, limit int) []*T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// Requirement operations
func (s *BoltStore) CreateRequirement(ctx context.Context, req *types.Requirement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequirements)
		if b.Get([]byte(req.ID)) != nil {
			return fmt.Errorf("requirement already exists: %s", req.ID)
		}
		if req.Linked() {
			if err := tx.Bucket(bucketRequirementKey).Put([]byte(*req.RemoteKey), []byte(req.ID)); err != nil {
				return err
			}
		}
		return putJSON(b, req.ID, req)
	})
}

func (s *BoltStore) GetRequirement(ctx context.Context, id string) (*types.Requirement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var req types.Requirement
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketRequirements), id, &req)
	})
	if err != nil {
		return nil, fmt.Errorf("requirement %s: %w", id, err)
	}
	return &req, nil
}

func (s *BoltStore) ListUnlinkedRequirements(ctx context.Context, limit int) ([]*types.Requirement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var reqs []*types.Requirement
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		reqs, err = scan(tx.Bucket(bucketRequirements), func(r *types.Requirement) bool {
			return !r.Linked()
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
	return limitTo(reqs, limit), nil
}

func (s *BoltStore) SetRequirementRemoteKey(ctx context.Context, id, key string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequirements)
		idx := tx.Bucket(bucketRequirementKey)

		var req types.Requirement
		if err := getJSON(b, id, &req); err != nil {
			return fmt.Errorf("requirement %s: %w", id, err)
		}
		if req.Linked() {
			if err := idx.Delete([]byte(*req.RemoteKey)); err != nil {
				return err
			}
		}
		req.RemoteKey = types.StringPtr(key)
		req.RemoteKeyCreatedAt = types.TimePtr(at.UTC())
		if err := idx.Put([]byte(key), []byte(id)); err != nil {
			return err
		}
		return putJSON(b, id, &req)
	})
}

// Test case operations
func (s *BoltStore) CreateTestCases(ctx context.Context, tcs []*types.TestCase) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTestCases)
		for _, tc := range tcs {
			if err := putJSON(b, tc.ID, tc); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListTestCases(ctx context.Context, reqID string) ([]*types.TestCase, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var tcs []*types.TestCase
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		tcs, err = scan(tx.Bucket(bucketTestCases), func(tc *types.TestCase) bool {
			return tc.ReqID == reqID
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tcs, func(i, j int) bool { return tcs[i].Sequence < tcs[j].Sequence })
	return tcs, nil
}

// Compliance operations

// complianceKey orders rows by creation time inside the bucket
func complianceKey(c *types.Compliance) string {
	return fmt.Sprintf("%020d/%s", c.CreatedAt.UnixNano(), c.ID)
}

func (s *BoltStore) AppendCompliance(ctx context.Context, c *types.Compliance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketCompliance), complianceKey(c), c)
	})
}

func (s *BoltStore) ListCompliance(ctx context.Context, reqID string) ([]*types.Compliance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []*types.Compliance
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rows, err = scan(tx.Bucket(bucketCompliance), func(c *types.Compliance) bool {
			return c.ReqID == reqID
		})
		return err
	})
	return rows, err
}

func (s *BoltStore) LatestCompliance(ctx context.Context, testID, tag string) (*types.Compliance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var latest *types.Compliance
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCompliance).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var row types.Compliance
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.TestID == testID && row.RegulatoryTag == tag {
				latest = &row
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, fmt.Errorf("compliance %s/%s: %w", testID, tag, ErrNotFound)
	}
	return latest, nil
}

// Issue operations
func (s *BoltStore) CreateIssue(ctx context.Context, issue *types.Issue) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIssues)
		if b.Get([]byte(issue.ID)) != nil {
			return fmt.Errorf("issue already exists: %s", issue.ID)
		}
		if issue.Linked() {
			if err := tx.Bucket(bucketIssueKey).Put([]byte(*issue.RemoteKey), []byte(issue.ID)); err != nil {
				return err
			}
		}
		return putJSON(b, issue.ID, issue)
	})
}

func (s *BoltStore) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var issue types.Issue
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketIssues), id, &issue)
	})
	if err != nil {
		return nil, fmt.Errorf("issue %s: %w", id, err)
	}
	return &issue, nil
}

func (s *BoltStore) FindIssues(ctx context.Context, testID, tag string) ([]*types.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var issues []*types.Issue
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		issues, err = scan(tx.Bucket(bucketIssues), func(i *types.Issue) bool {
			return i.TestID == testID && i.RegulatoryTag == tag
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].CreatedAt.Before(issues[j].CreatedAt) })
	return issues, nil
}

func (s *BoltStore) ListIssues(ctx context.Context, reqID string) ([]*types.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var issues []*types.Issue
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		issues, err = scan(tx.Bucket(bucketIssues), func(i *types.Issue) bool {
			return i.ReqID == reqID
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].CreatedAt.Before(issues[j].CreatedAt) })
	return issues, nil
}

func (s *BoltStore) ListUnlinkedIssues(ctx context.Context, limit int) ([]*types.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var issues []*types.Issue
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		issues, err = scan(tx.Bucket(bucketIssues), func(i *types.Issue) bool {
			return !i.Linked()
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].CreatedAt.Before(issues[j].CreatedAt) })
	return limitTo(issues, limit), nil
}

func (s *BoltStore) SetIssueRemoteKey(ctx context.Context, id, key string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIssues)
		idx := tx.Bucket(bucketIssueKey)

		var issue types.Issue
		if err := getJSON(b, id, &issue); err != nil {
			return fmt.Errorf("issue %s: %w", id, err)
		}
		if issue.Linked() {
			if err := idx.Delete([]byte(*issue.RemoteKey)); err != nil {
				return err
			}
		}
		issue.RemoteKey = types.StringPtr(key)
		issue.RemoteKeyCreatedAt = types.TimePtr(at.UTC())
		if err := idx.Put([]byte(key), []byte(id)); err != nil {
			return err
		}
		return putJSON(b, id, &issue)
	})
}

// UpsertRemote resolves and writes the row inside one bolt transaction
func (s *BoltStore) UpsertRemote(ctx context.Context, table types.Table, key types.NaturalKey, fields types.RemoteFields) (types.UpsertOutcome, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if key.RemoteKey == "" {
		return "", fmt.Errorf("upsert %s: remote key is required", table)
	}

	var rowBucket, keyBucket []byte
	switch table {
	case types.TableRequirement:
		rowBucket, keyBucket = bucketRequirements, bucketRequirementKey
	case types.TableIssue:
		rowBucket, keyBucket = bucketIssues, bucketIssueKey
	default:
		return "", fmt.Errorf("upsert: table %s does not accept remote writes", table)
	}

	var outcome types.UpsertOutcome
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rowBucket)
		idx := tx.Bucket(keyBucket)

		id := ""
		switch {
		case key.LocalID != "" && b.Get([]byte(key.LocalID)) != nil:
			id = key.LocalID
		case idx.Get([]byte(key.RemoteKey)) != nil:
			id = string(idx.Get([]byte(key.RemoteKey)))
		}

		now := s.now()
		if id == "" {
			id = RemoteRowID(table, key.RemoteKey)
			var row any
			if table == types.TableRequirement {
				row = newRemoteRequirement(id, key.RemoteKey, fields, now)
			} else {
				row = newRemoteIssue(id, key.RemoteKey, fields, now)
			}
			if err := idx.Put([]byte(key.RemoteKey), []byte(id)); err != nil {
				return err
			}
			outcome = types.UpsertInserted
			return putJSON(b, id, row)
		}

		var mirror *types.RemoteMirror
		var row any
		if table == types.TableRequirement {
			var req types.Requirement
			if err := getJSON(b, id, &req); err != nil {
				return err
			}
			mirror, row = &req.Mirror, &req
		} else {
			var issue types.Issue
			if err := getJSON(b, id, &issue); err != nil {
				return err
			}
			mirror, row = &issue.Mirror, &issue
		}

		if staleEdit(mirror.RemoteUpdatedAt, fields.Mirror.RemoteUpdatedAt) {
			outcome = types.UpsertSkipped
			return nil
		}
		mergeMirror(mirror, fields.Mirror)
		outcome = types.UpsertUpdated
		return putJSON(b, id, row)
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}
