// Package tenant keeps the durable record of every session the process has
// been asked to run: who owns it and the last status it reached. The
// Session Store is a TTL'd mirror of the same status; this is the copy that
// survives restarts and drives startup restore.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/ricochet1k/wamesh/internal/domain"
)

const sessionsBucket = "sessions"

var ErrDatabaseLocked = errors.New("tenant database is in use by another process")

type SessionRecord struct {
	ID              string               `json:"id"`
	CompanyID       string               `json:"company_id,omitempty"`
	Status          domain.SessionStatus `json:"status"`
	Identity        domain.Identity      `json:"identity"`
	UpdatedAt       time.Time            `json:"updated_at"`
	LastConnectedAt time.Time            `json:"last_connected_at,omitempty"`
}

// Restorable reports whether a session should be relaunched at startup.
func (r SessionRecord) Restorable() bool {
	return r.Status == domain.StatusConnected || r.Status == domain.StatusPairing
}

type Storage interface {
	Get(ctx context.Context, id string) (SessionRecord, error)
	Put(ctx context.Context, rec SessionRecord) error
	MarkStatus(ctx context.Context, id string, status domain.SessionStatus) error
	SaveIdentity(ctx context.Context, id string, identity domain.Identity) error
	SetCompany(ctx context.Context, id, companyID string) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]SessionRecord, error)
	ListRestorable(ctx context.Context) ([]SessionRecord, error)
	Close() error
}

type BoltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ Storage = (*BoltStorage)(nil)

func Open(path string) (*BoltStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create tenant dir: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrDatabaseLocked, path)
		}
		return nil, fmt.Errorf("open tenant db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sessions bucket: %w", err)
	}

	return &BoltStorage{db: db, now: time.Now}, nil
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func (s *BoltStorage) Get(_ context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(sessionsBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

func (s *BoltStorage) Put(_ context.Context, rec SessionRecord) error {
	if rec.ID == "" {
		return domain.ErrInvalidSession
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))
		if data := bucket.Get([]byte(rec.ID)); data != nil && rec.CompanyID == "" {
			var existing SessionRecord
			if err := json.Unmarshal(data, &existing); err == nil {
				rec.CompanyID = existing.CompanyID
			}
		}
		rec.UpdatedAt = s.now()
		return putRecord(bucket, rec)
	})
}

// MarkStatus records the latest status, creating the record if needed.
func (s *BoltStorage) MarkStatus(_ context.Context, id string, status domain.SessionStatus) error {
	return s.modify(id, func(rec *SessionRecord) {
		rec.Status = status
		if status == domain.StatusConnected {
			rec.LastConnectedAt = rec.UpdatedAt
		}
	})
}

func (s *BoltStorage) SaveIdentity(_ context.Context, id string, identity domain.Identity) error {
	return s.modify(id, func(rec *SessionRecord) {
		rec.Identity = identity
	})
}

// SetCompany attaches the owning company, creating the record if needed. An
// empty companyID leaves the current owner in place.
func (s *BoltStorage) SetCompany(_ context.Context, id, companyID string) error {
	return s.modify(id, func(rec *SessionRecord) {
		if companyID != "" {
			rec.CompanyID = companyID
		}
	})
}

func (s *BoltStorage) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Delete([]byte(id))
	})
}

func (s *BoltStorage) List(_ context.Context) ([]SessionRecord, error) {
	return s.list(func(SessionRecord) bool { return true })
}

func (s *BoltStorage) ListRestorable(_ context.Context) ([]SessionRecord, error) {
	return s.list(SessionRecord.Restorable)
}

func (s *BoltStorage) modify(id string, fn func(rec *SessionRecord)) error {
	if id == "" {
		return domain.ErrInvalidSession
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))
		rec := SessionRecord{ID: id, Status: domain.StatusDisconnected}
		if data := bucket.Get([]byte(id)); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decode session %s: %w", id, err)
			}
		}
		rec.UpdatedAt = s.now()
		fn(&rec)
		return putRecord(bucket, rec)
	})
}

func (s *BoltStorage) list(keep func(SessionRecord) bool) ([]SessionRecord, error) {
	var out []SessionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).ForEach(func(_, v []byte) error {
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if keep(rec) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func putRecord(bucket *bbolt.Bucket, rec SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}
	return bucket.Put([]byte(rec.ID), data)
}
