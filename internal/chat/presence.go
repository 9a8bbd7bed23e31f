package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const onlineSetKey = "relay:online"

func lastOnlineKey(login string) string  { return fmt.Sprintf("relay:last_online:%s", login) }
func lastOfflineKey(login string) string { return fmt.Sprintf("relay:last_offline:%s", login) }

// Presence tracks which logins are online and when they were last seen.
// The hub flips it on register/deregister; the REST surface reads it.
type Presence struct {
	rdb *redis.Client
}

func NewPresence(rdb *redis.Client) *Presence {
	return &Presence{rdb: rdb}
}

func (p *Presence) MarkOnline(ctx context.Context, login string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	pipe := p.rdb.TxPipeline()
	pipe.SAdd(ctx, onlineSetKey, login)
	pipe.Set(ctx, lastOnlineKey(login), now, 0)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *Presence) MarkOffline(ctx context.Context, login string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	pipe := p.rdb.TxPipeline()
	pipe.SRem(ctx, onlineSetKey, login)
	pipe.Set(ctx, lastOfflineKey(login), now, 0)
	_, err := pipe.Exec(ctx)
	return err
}

// Online returns every login currently marked online.
func (p *Presence) Online(ctx context.Context) ([]string, error) {
	return p.rdb.SMembers(ctx, onlineSetKey).Result()
}

// LastSeen returns the recorded last online/offline timestamps for a login.
// Zero times mean the login was never seen.
func (p *Presence) LastSeen(ctx context.Context, login string) (online, offline time.Time, err error) {
	onStr, err := p.rdb.Get(ctx, lastOnlineKey(login)).Result()
	if err != nil && err != redis.Nil {
		return time.Time{}, time.Time{}, err
	}
	offStr, err := p.rdb.Get(ctx, lastOfflineKey(login)).Result()
	if err != nil && err != redis.Nil {
		return time.Time{}, time.Time{}, err
	}

	if onStr != "" {
		online, _ = time.Parse(time.RFC3339, onStr)
	}
	if offStr != "" {
		offline, _ = time.Parse(time.RFC3339, offStr)
	}
	return online, offline, nil
}
