package persistence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/headcount/headcount/internal/counter"
)

// saveScript writes the state hash unless the stored version is newer.
// KEYS[1] = state key; ARGV = version, member_count, non_member_count, visible,
// max_capacity ("" for unset), line_length, updated_at (unix nanos).
var saveScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1],
	'version', ARGV[1],
	'member_count', ARGV[2],
	'non_member_count', ARGV[3],
	'visible', ARGV[4],
	'max_capacity', ARGV[5],
	'line_length', ARGV[6],
	'updated_at', ARGV[7])
return 1
`)

// Redis stores each organization's state in one hash, shared by every server
// instance pointing at the same Redis.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis creates a backend. Keys are "<prefix>state:<organizationId>".
func NewRedis(rdb *redis.Client, keyPrefix string) *Redis {
	return &Redis{rdb: rdb, prefix: keyPrefix + "state:"}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) key(orgID string) string { return r.prefix + orgID }

func (r *Redis) Load(ctx context.Context, orgID string) (*counter.State, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key(orgID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load state from redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	st, err := stateFromHash(fields)
	if err != nil {
		return nil, fmt.Errorf("corrupt state for organization %s: %w", orgID, err)
	}
	return &st, nil
}

func (r *Redis) Save(ctx context.Context, orgID string, st counter.State) error {
	st = st.Normalize()
	capacity := ""
	if st.MaxCapacity != nil {
		capacity = strconv.Itoa(*st.MaxCapacity)
	}
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	err := saveScript.Run(ctx, r.rdb, []string{r.key(orgID)},
		st.Version,
		st.MemberCount,
		st.NonMemberCount,
		strconv.FormatBool(st.Visible),
		capacity,
		string(st.LineLength),
		updated.UnixNano(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to save state to redis: %w", err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (r *Redis) Close() error { return nil }

func stateFromHash(h map[string]string) (counter.State, error) {
	var (
		st  counter.State
		err error
	)
	if st.Version, err = strconv.ParseUint(h["version"], 10, 64); err != nil {
		return st, fmt.Errorf("version: %w", err)
	}
	if st.MemberCount, err = strconv.Atoi(h["member_count"]); err != nil {
		return st, fmt.Errorf("member_count: %w", err)
	}
	if st.NonMemberCount, err = strconv.Atoi(h["non_member_count"]); err != nil {
		return st, fmt.Errorf("non_member_count: %w", err)
	}
	if st.Visible, err = strconv.ParseBool(h["visible"]); err != nil {
		return st, fmt.Errorf("visible: %w", err)
	}
	if raw := h["max_capacity"]; raw != "" {
		capacity, err := strconv.Atoi(raw)
		if err != nil {
			return st, fmt.Errorf("max_capacity: %w", err)
		}
		st.MaxCapacity = &capacity
	}
	st.LineLength = counter.LineLength(h["line_length"])
	if raw := h["updated_at"]; raw != "" {
		nanos, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return st, fmt.Errorf("updated_at: %w", err)
		}
		st.UpdatedAt = time.Unix(0, nanos).UTC()
	}
	return st.Normalize(), nil
}
