package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupWindow is how long an identical entry suppresses duplicates.
const DedupWindow = 60 * time.Second

// Deduper collapses identical plan entries using a Redis SETNX window. Keys
// self-expire, so source spam within the window produces exactly one attempt
// per (recipient, channel, address, content) tuple.
type Deduper struct {
	rdb    *redis.Client
	window time.Duration
}

func NewDeduper(rdb *redis.Client) *Deduper {
	return &Deduper{rdb: rdb, window: DedupWindow}
}

// ShouldSend reports whether this entry is the first of its tuple inside the
// window. Redis trouble fails open: delivering a duplicate beats silently
// dropping a notification.
func (d *Deduper) ShouldSend(ctx context.Context, recipientKey, channel, address, contentHash string) bool {
	key := dedupKey(recipientKey, channel, address, contentHash)
	set, err := d.rdb.SetNX(ctx, key, 1, d.window).Result()
	if err != nil {
		log.Printf("[Dedup] Redis error, failing open: key=%s err=%v", key, err)
		return true
	}
	return set
}

func dedupKey(recipientKey, channel, address, contentHash string) string {
	// Addresses can be long push endpoint URLs; hash them into the key.
	a := sha256.Sum256([]byte(address))
	return fmt.Sprintf("notify:dedup:%s:%s:%s:%s",
		recipientKey, channel, hex.EncodeToString(a[:8]), contentHash)
}
