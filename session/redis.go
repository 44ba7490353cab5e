package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/convoflow-dev/convoflow/types"
)

// RedisStore is the hot session store. Optimistic locking and atomic
// message appends run server-side as Lua scripts so concurrent writers
// on different nodes cannot interleave.
type RedisStore struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
	log       *zap.Logger
}

// NewRedisStore creates a RedisStore over an existing client. Sessions
// expire after ttl of inactivity; zero selects 24h.
func NewRedisStore(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisStore{
		rdb:       rdb,
		keyPrefix: "convoflow:session:",
		ttl:       ttl,
		log:       log,
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.keyPrefix + sessionID
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	data, err := s.rdb.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var session types.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

var saveScript = redis.NewScript(`
	local key = KEYS[1]
	local data = ARGV[1]
	local expectedVersion = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current then
		local session = cjson.decode(current)
		if session.version ~= expectedVersion then
			return -1
		end
	end

	redis.call('SET', key, data, 'EX', ARGV[3])
	return 1
`)

func (s *RedisStore) Save(ctx context.Context, session *types.Session) error {
	expected := session.Version
	session.Version = expected + 1

	data, err := json.Marshal(session)
	if err != nil {
		session.Version = expected
		return fmt.Errorf("marshal session: %w", err)
	}

	result, err := saveScript.Run(ctx, s.rdb, []string{s.key(session.ID)},
		data, expected, int(s.ttl.Seconds())).Int()
	if err != nil {
		session.Version = expected
		return fmt.Errorf("redis save script: %w", err)
	}
	if result == -1 {
		session.Version = expected
		return ErrVersionConflict
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, s.key(sessionID)).Err()
}

var appendScript = redis.NewScript(`
	local key = KEYS[1]
	local msgData = ARGV[1]
	local ttl = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if not current then
		return -1
	end

	local session = cjson.decode(current)
	if session.messages == nil then
		session.messages = {}
	end
	table.insert(session.messages, cjson.decode(msgData))
	session.version = session.version + 1
	session.last_active_at = ARGV[3]

	redis.call('SET', key, cjson.encode(session), 'EX', ttl)
	return session.version
`)

func (s *RedisStore) AppendMessage(ctx context.Context, sessionID string, msg types.Message) error {
	msgData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	now := time.Now().Format(time.RFC3339Nano)

	result, err := appendScript.Run(ctx, s.rdb, []string{s.key(sessionID)},
		msgData, int(s.ttl.Seconds()), now).Int()
	if err != nil {
		return fmt.Errorf("redis append script: %w", err)
	}
	if result == -1 {
		return ErrSessionNotFound
	}
	return nil
}

// Ping checks the backing connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
