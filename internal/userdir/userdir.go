// Package userdir resolves user identifiers to profile summaries (display
// name, avatar). Lookups hit a Redis cache first and fall back to PostgreSQL,
// backfilling the cache on miss.
package userdir

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

const (
	// profilePrefix is the Redis key prefix for cached profiles.
	profilePrefix = "profile:"

	// profileTTL bounds cache staleness after a profile edit.
	profileTTL = 5 * time.Minute
)

// ErrUnknownUser is returned when an ID does not resolve to any profile.
var ErrUnknownUser = errors.New("userdir: unknown user")

// Profile is the summary attached to conversation participants.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

// Directory resolves user IDs to profiles.
type Directory interface {
	// GetProfiles returns profiles for the given IDs. Unknown IDs are
	// omitted from the result rather than failing the whole lookup.
	GetProfiles(ctx context.Context, ids []string) ([]Profile, error)

	// Exists reports whether a user ID resolves to a profile.
	Exists(ctx context.Context, id string) (bool, error)
}

// Store is the PostgreSQL-backed Directory with an optional Redis cache.
type Store struct {
	db  *sql.DB
	rdb *redis.Client // nil disables caching
}

// NewStore creates a Store. rdb may be nil to disable the cache.
func NewStore(db *sql.DB, rdb *redis.Client) *Store {
	return &Store{db: db, rdb: rdb}
}

// GetProfiles implements Directory. Cache errors degrade to a plain database
// read rather than failing the lookup.
func (s *Store) GetProfiles(ctx context.Context, ids []string) ([]Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	found := make(map[string]Profile, len(ids))
	var misses []string

	if s.rdb != nil {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = profilePrefix + id
		}
		vals, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			log.Printf("userdir: cache mget: %v (falling back to db)", err)
			misses = ids
		} else {
			for i, v := range vals {
				raw, ok := v.(string)
				if !ok {
					misses = append(misses, ids[i])
					continue
				}
				var p Profile
				if err := json.Unmarshal([]byte(raw), &p); err != nil {
					misses = append(misses, ids[i])
					continue
				}
				found[p.ID] = p
			}
		}
	} else {
		misses = ids
	}

	if len(misses) > 0 {
		fetched, err := s.queryProfiles(ctx, misses)
		if err != nil {
			return nil, err
		}
		for _, p := range fetched {
			found[p.ID] = p
			s.cacheProfile(ctx, p)
		}
	}

	// Preserve the caller's ID order; unknown IDs are simply absent.
	out := make([]Profile, 0, len(found))
	for _, id := range ids {
		if p, ok := found[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Exists implements Directory.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	profiles, err := s.GetProfiles(ctx, []string{id})
	if err != nil {
		return false, err
	}
	return len(profiles) == 1, nil
}

func (s *Store) queryProfiles(ctx context.Context, ids []string) ([]Profile, error) {
	const query = `
		SELECT id, display_name, avatar_ref
		FROM users
		WHERE id = ANY($1)`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("userdir: query profiles: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.AvatarRef); err != nil {
			return nil, fmt.Errorf("userdir: scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userdir: iterate profiles: %w", err)
	}
	return out, nil
}

// cacheProfile writes a profile into Redis. Failures are logged only; the
// next lookup just misses again.
func (s *Store) cacheProfile(ctx context.Context, p Profile) {
	if s.rdb == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, profilePrefix+p.ID, raw, profileTTL).Err(); err != nil {
		log.Printf("userdir: cache set %s: %v", p.ID, err)
	}
}
