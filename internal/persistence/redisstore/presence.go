package redisstore

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/redis/go-redis/v9"
)

// Redis key patterns:
// presence:users             SET<username>
// presence:user:{username}   HASH  isOnline: "1"|"0", lastSeenAt: unix millis
const usersKey = "presence:users"

func userKey(username string) string {
	return fmt.Sprintf("presence:user:%s", username)
}

// lastSeenAt only moves forward, so the comparison runs server side.
var upsertScript = redis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], 'isOnline', ARGV[2])
local current = tonumber(redis.call('HGET', KEYS[2], 'lastSeenAt') or '0')
if tonumber(ARGV[3]) > current then
	redis.call('HSET', KEYS[2], 'lastSeenAt', ARGV[3])
end
return 1
`)

type PresenceStore struct {
	client *redis.Client
}

func NewPresenceStore(client *redis.Client) *PresenceStore {
	return &PresenceStore{
		client,
	}
}

// Setup marks every known user offline. No session survives a restart.
func (s *PresenceStore) Setup(ctx context.Context) error {
	usernames, err := s.client.SMembers(ctx, usersKey).Result()
	if err != nil || len(usernames) == 0 {
		return err
	}

	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, username := range usernames {
			pipe.HSet(ctx, userKey(username), "isOnline", "0")
		}

		return nil
	})

	return err
}

func (s *PresenceStore) UpsertPresence(ctx context.Context, username string, patch broadcaster.PresencePatch) error {
	isOnline := "0"
	if patch.IsOnline {
		isOnline = "1"
	}

	return upsertScript.Run(ctx, s.client,
		[]string{usersKey, userKey(username)},
		username, isOnline, patch.LastSeenAt.UnixMilli(),
	).Err()
}

func (s *PresenceStore) ListPresence(ctx context.Context) ([]broadcaster.PresenceRecord, error) {
	usernames, err := s.client.SMembers(ctx, usersKey).Result()
	if err != nil {
		return nil, err
	}

	slices.Sort(usernames)

	pipe := s.client.Pipeline()
	commands := make([]*redis.MapStringStringCmd, len(usernames))
	for i, username := range usernames {
		commands[i] = pipe.HGetAll(ctx, userKey(username))
	}

	if len(usernames) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}

	records := make([]broadcaster.PresenceRecord, 0, len(usernames))
	for i, username := range usernames {
		fields := commands[i].Val()

		lastSeenMillis, _ := strconv.ParseInt(fields["lastSeenAt"], 10, 64)

		records = append(records, broadcaster.PresenceRecord{
			Username:   username,
			IsOnline:   strings.EqualFold(fields["isOnline"], "1"),
			LastSeenAt: time.UnixMilli(lastSeenMillis).UTC(),
		})
	}

	return records, nil
}
