// Package store mirrors session status, pairing QR and identity into Redis so
// that any process can read them. It is a cache, not the source of truth:
// every operation is best-effort and backend errors are logged, never
// returned.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ricochet1k/wamesh/internal/domain"
)

const (
	DefaultPrefix    = "wa:session:"
	DefaultQRTTL     = 60 * time.Second
	DefaultMetaTTL   = 24 * time.Hour
	DefaultStatusTTL = 24 * time.Hour
)

type Config struct {
	Prefix    string
	QRTTL     time.Duration
	MetaTTL   time.Duration
	StatusTTL time.Duration
}

// Store is the Redis-backed session mirror.
type Store struct {
	rdb redis.UniversalClient
	cfg Config
	log zerolog.Logger
}

func New(rdb redis.UniversalClient, cfg Config, log zerolog.Logger) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.QRTTL <= 0 {
		cfg.QRTTL = DefaultQRTTL
	}
	if cfg.MetaTTL <= 0 {
		cfg.MetaTTL = DefaultMetaTTL
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = DefaultStatusTTL
	}
	return &Store{rdb: rdb, cfg: cfg, log: log}
}

func (s *Store) statusKey(id string) string { return s.cfg.Prefix + id + ":status" }
func (s *Store) qrKey(id string) string     { return s.cfg.Prefix + id + ":qr" }
func (s *Store) metaKey(id string) string   { return s.cfg.Prefix + id + ":meta" }

func (s *Store) SetStatus(ctx context.Context, sessionID string, status domain.SessionStatus) {
	if err := s.rdb.Set(ctx, s.statusKey(sessionID), string(status), s.cfg.StatusTTL).Err(); err != nil {
		s.warn(err, sessionID, "set status")
	}
}

// SetQr stores the rendered pairing code. It expires with the code itself.
func (s *Store) SetQr(ctx context.Context, sessionID, qr string) {
	if err := s.rdb.Set(ctx, s.qrKey(sessionID), qr, s.cfg.QRTTL).Err(); err != nil {
		s.warn(err, sessionID, "set qr")
	}
}

func (s *Store) SetMeta(ctx context.Context, sessionID string, identity domain.Identity) {
	data, err := json.Marshal(identity)
	if err != nil {
		s.warn(err, sessionID, "encode meta")
		return
	}
	if err := s.rdb.Set(ctx, s.metaKey(sessionID), data, s.cfg.MetaTTL).Err(); err != nil {
		s.warn(err, sessionID, "set meta")
	}
}

func (s *Store) ClearQr(ctx context.Context, sessionID string) {
	if err := s.rdb.Del(ctx, s.qrKey(sessionID)).Err(); err != nil {
		s.warn(err, sessionID, "clear qr")
	}
}

func (s *Store) ClearMeta(ctx context.Context, sessionID string) {
	if err := s.rdb.Del(ctx, s.metaKey(sessionID)).Err(); err != nil {
		s.warn(err, sessionID, "clear meta")
	}
}

// GetStatus returns StatusDisconnected when nothing is stored or the backend
// is unreachable.
func (s *Store) GetStatus(ctx context.Context, sessionID string) domain.SessionStatus {
	raw, ok := s.get(ctx, s.statusKey(sessionID), sessionID, "get status")
	if !ok {
		return domain.StatusDisconnected
	}
	return domain.ParseSessionStatus(raw)
}

// GetQr returns "" when no code is pending.
func (s *Store) GetQr(ctx context.Context, sessionID string) string {
	raw, _ := s.get(ctx, s.qrKey(sessionID), sessionID, "get qr")
	return raw
}

func (s *Store) GetMeta(ctx context.Context, sessionID string) (domain.Identity, bool) {
	raw, ok := s.get(ctx, s.metaKey(sessionID), sessionID, "get meta")
	if !ok {
		return domain.Identity{}, false
	}
	var identity domain.Identity
	if err := json.Unmarshal([]byte(raw), &identity); err != nil {
		s.warn(err, sessionID, "decode meta")
		return domain.Identity{}, false
	}
	return identity, true
}

func (s *Store) get(ctx context.Context, key, sessionID, op string) (string, bool) {
	raw, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		s.warn(err, sessionID, op)
		return "", false
	}
	return raw, true
}

func (s *Store) warn(err error, sessionID, op string) {
	s.log.Warn().Err(err).Str("session_id", sessionID).Str("op", op).Msg("session store unavailable")
}
