package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var ErrNoCursor = errors.New("cursor not found")

// PresenceCache 记录每个文档当前连接着哪些成员（编辑器或对端副本）以及它们的光标
type PresenceCache interface {
	AddMember(ctx context.Context, docID, memberID, name string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, memberID string) error
	GetDocuments(ctx context.Context) ([]string, error)
	GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, docID, memberID string, pos int, ttl time.Duration) error
	GetCursor(ctx context.Context, docID, memberID string) (int, error)
}

type PresenceMember struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// 基于 redis 的实现
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, docID, memberID, name string, ttl time.Duration) error {
	// 续期也直接调用 AddMember
	tx := p.rdb.TxPipeline()
	// score 使用 expireAt（Unix 秒），表达逻辑 TTL
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: memberID})
	tx.HSet(ctx, namesKey(docID), memberID, name)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, memberID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), memberID)
	tx.HDel(ctx, namesKey(docID), memberID)
	tx.Del(ctx, cursorKey(docID, memberID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	var documents []string
	iter := p.rdb.Scan(ctx, 0, keyRoomPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		k := strings.TrimPrefix(iter.Val(), keyRoomPrefix)
		k = strings.TrimSuffix(strings.TrimPrefix(k, "{docID:"), "}")
		if k != "" {
			documents = append(documents, k)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return documents, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, docID, memberID string, pos int, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, memberID), pos, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, docID, memberID string) (int, error) {
	pos, err := p.rdb.Get(ctx, cursorKey(docID, memberID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNoCursor
	}
	return pos, err
}

// 清理过期成员：score=expireAt，expireAt <= now 视为过期
var expireScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	now := time.Now().Unix()
	_, err := expireScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{ID: id, Name: name})
	}
	return members, nil
}
