package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"calotrack/backend/internal/logging"
	"calotrack/backend/internal/refreshtoken/domain"
)

// Redis layout: one hash per record at <prefix>:<id> that expires with the token, plus a set of
// record ids per subject at <prefix>:subject:<subjectID>. Set members whose hash has expired are
// pruned lazily by reads and by DeleteExpired.
const (
	fieldSubject   = "subject"
	fieldHash      = "hash"
	fieldIssuedAt  = "iat"
	fieldExpiresAt = "exp"
	fieldRevokedAt = "revoked"
	fieldUserAgent = "ua"
	fieldIP        = "ip"
)

// createScript writes the record hash with its expiry and indexes it under the subject, unless the
// key already exists. KEYS: record, subject set. ARGV: expiry (unix ms), id, then field/value pairs.
// Returns 1 if created, 0 if the id is taken.
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
redis.call("PEXPIREAT", KEYS[1], ARGV[1])
redis.call("SADD", KEYS[2], ARGV[2])
return 1
`)

// revokeScript sets the revoked field when the record exists and is not yet revoked.
// Returns 1 if this call revoked it, 0 otherwise.
var revokeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "revoked") then
  return 0
end
redis.call("HSET", KEYS[1], "revoked", ARGV[1])
return 1
`)

// revokeAllScript revokes every live record listed in the subject set and prunes dangling members.
var revokeAllScript = redis.NewScript(`
local ids = redis.call("SMEMBERS", KEYS[1])
local n = 0
for _, id in ipairs(ids) do
  local key = ARGV[1] .. ":" .. id
  if redis.call("EXISTS", key) == 0 then
    redis.call("SREM", KEYS[1], id)
  elseif not redis.call("HGET", key, "revoked") then
    redis.call("HSET", key, "revoked", ARGV[2])
    n = n + 1
  end
end
return n
`)

// RedisRepository is a Repository backed by Redis. Record keys carry a TTL equal to the token
// expiry, so expired records disappear without a sweep.
type RedisRepository struct {
	rdb    redis.UniversalClient
	prefix string
	log    logging.Logger
	nowF   func() time.Time
}

// RedisOption configures a RedisRepository.
type RedisOption func(*RedisRepository)

// WithRedisLogger sets the logger for best-effort index maintenance failures.
func WithRedisLogger(l logging.Logger) RedisOption {
	return func(r *RedisRepository) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRedisRepository returns a Redis-backed refresh token store. prefix namespaces all keys
// (default "rt").
func NewRedisRepository(rdb redis.UniversalClient, prefix string, opts ...RedisOption) *RedisRepository {
	if prefix == "" {
		prefix = "rt"
	}
	r := &RedisRepository{
		rdb:    rdb,
		prefix: prefix,
		log:    logging.Discard(),
		nowF:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRepository) recordKey(id string) string {
	return r.prefix + ":" + id
}

func (r *RedisRepository) subjectKey(subjectID int64) string {
	return r.prefix + ":subject:" + strconv.FormatInt(subjectID, 10)
}

// Create stores the record and indexes it under its subject.
func (r *RedisRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	if t.ID == "" {
		return errors.New("refresh token id is required")
	}
	args := []any{
		t.ExpiresAt.UnixMilli(),
		t.ID,
		fieldSubject, strconv.FormatInt(t.SubjectID, 10),
		fieldHash, t.TokenHash,
		fieldIssuedAt, strconv.FormatInt(t.IssuedAt.UnixNano(), 10),
		fieldExpiresAt, strconv.FormatInt(t.ExpiresAt.UnixNano(), 10),
	}
	if t.RevokedAt != nil {
		args = append(args, fieldRevokedAt, strconv.FormatInt(t.RevokedAt.UnixNano(), 10))
	}
	if t.UserAgent != "" {
		args = append(args, fieldUserAgent, t.UserAgent)
	}
	if t.IPAddress != "" {
		args = append(args, fieldIP, t.IPAddress)
	}
	keys := []string{r.recordKey(t.ID), r.subjectKey(t.SubjectID)}
	n, err := createScript.Run(ctx, r.rdb, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("redis create refresh token: %w", err)
	}
	if n == 0 {
		return errors.New("refresh token id already exists")
	}
	return nil
}

// FindActiveBySubject returns the subject's unrevoked records that expire after now.
func (r *RedisRepository) FindActiveBySubject(ctx context.Context, subjectID int64, now time.Time) ([]*domain.RefreshToken, error) {
	setKey := r.subjectKey(subjectID)
	ids, err := r.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list refresh tokens: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.recordKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis read refresh tokens: %w", err)
	}

	var (
		out   []*domain.RefreshToken
		stale []any
	)
	for i, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("redis read refresh token: %w", err)
		}
		if len(m) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		rec, err := decodeRecord(ids[i], m)
		if err != nil {
			return nil, err
		}
		if rec.ActiveAt(now) {
			out = append(out, rec)
		}
	}
	if len(stale) > 0 {
		if err := r.rdb.SRem(ctx, setKey, stale...).Err(); err != nil {
			r.log.Warn(ctx, "refreshtoken: prune subject index failed", "subject_id", subjectID, "error", err)
		}
	}
	return out, nil
}

// Revoke marks the record revoked. Unknown or already revoked ids are ignored.
func (r *RedisRepository) Revoke(ctx context.Context, id string) error {
	_, err := r.Consume(ctx, id)
	return err
}

// RevokeAllForSubject revokes every live record of the subject in a single script.
func (r *RedisRepository) RevokeAllForSubject(ctx context.Context, subjectID int64) error {
	now := strconv.FormatInt(r.nowF().UnixNano(), 10)
	if err := revokeAllScript.Run(ctx, r.rdb, []string{r.subjectKey(subjectID)}, r.prefix, now).Err(); err != nil {
		return fmt.Errorf("redis revoke refresh tokens for subject: %w", err)
	}
	return nil
}

// Consume revokes the record if it is live and unrevoked. The check and the write run in one
// script, so only one concurrent caller gets true.
func (r *RedisRepository) Consume(ctx context.Context, id string) (bool, error) {
	now := strconv.FormatInt(r.nowF().UnixNano(), 10)
	n, err := revokeScript.Run(ctx, r.rdb, []string{r.recordKey(id)}, now).Int64()
	if err != nil {
		return false, fmt.Errorf("redis consume refresh token: %w", err)
	}
	return n == 1, nil
}

// DeleteExpired removes records revoked before the cutoff and prunes subject sets of members
// whose record already expired. Expired records themselves are dropped by Redis TTLs.
func (r *RedisRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, r.prefix+":subject:*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("redis scan subjects: %w", err)
		}
		for _, setKey := range keys {
			n, err := r.pruneSubject(ctx, setKey, before)
			if err != nil {
				return removed, err
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (r *RedisRepository) pruneSubject(ctx context.Context, setKey string, before time.Time) (int64, error) {
	ids, err := r.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis list refresh tokens: %w", err)
	}
	var removed int64
	for _, id := range ids {
		m, err := r.rdb.HGetAll(ctx, r.recordKey(id)).Result()
		if err != nil {
			return removed, fmt.Errorf("redis read refresh token: %w", err)
		}
		if len(m) == 0 {
			if err := r.rdb.SRem(ctx, setKey, id).Err(); err != nil {
				return removed, fmt.Errorf("redis prune refresh token index: %w", err)
			}
			removed++
			continue
		}
		rec, err := decodeRecord(id, m)
		if err != nil {
			return removed, err
		}
		if rec.ExpiresAt.Before(before) || (rec.RevokedAt != nil && rec.RevokedAt.Before(before)) {
			if _, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, r.recordKey(id))
				pipe.SRem(ctx, setKey, id)
				return nil
			}); err != nil {
				return removed, fmt.Errorf("redis delete refresh token: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

func decodeRecord(id string, m map[string]string) (*domain.RefreshToken, error) {
	subjectID, err := strconv.ParseInt(m[fieldSubject], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis refresh token %s: bad subject: %w", id, err)
	}
	iat, err := parseUnixNano(m[fieldIssuedAt])
	if err != nil {
		return nil, fmt.Errorf("redis refresh token %s: bad iat: %w", id, err)
	}
	exp, err := parseUnixNano(m[fieldExpiresAt])
	if err != nil {
		return nil, fmt.Errorf("redis refresh token %s: bad exp: %w", id, err)
	}
	rec := &domain.RefreshToken{
		ID:        id,
		SubjectID: subjectID,
		TokenHash: m[fieldHash],
		IssuedAt:  iat,
		ExpiresAt: exp,
		UserAgent: m[fieldUserAgent],
		IPAddress: m[fieldIP],
	}
	if v, ok := m[fieldRevokedAt]; ok {
		revokedAt, err := parseUnixNano(v)
		if err != nil {
			return nil, fmt.Errorf("redis refresh token %s: bad revoked: %w", id, err)
		}
		rec.RevokedAt = &revokedAt
	}
	return rec, nil
}

func parseUnixNano(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}
