package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"entitlement-engine/pkg/logging"

	"github.com/redis/go-redis/v9"
)

// ReplayProtection deduplicates platform notifications by their notification
// id, backed by redis so the window survives restarts. The billing stores may
// redeliver the same notification many times; a replayed one is acknowledged
// to the platform but not fed into the pipeline again. This is a cheap outer
// filter only: the engine's per-transaction dedupe is the actual correctness
// guarantee, so a redis outage fails open.
type ReplayProtection struct {
	client *redis.Client
	ttl    time.Duration
}

// NewReplayProtection creates a redis-backed replay filter. client may be nil
// (filter disabled).
func NewReplayProtection(client *redis.Client) *ReplayProtection {
	return &ReplayProtection{
		client: client,
		ttl:    24 * time.Hour,
	}
}

// IsReplay reports whether this notification was already seen. The first
// sighting records it atomically (SET NX).
func (rp *ReplayProtection) IsReplay(ctx context.Context, notificationID string, timestamp int64) bool {
	if notificationID == "" {
		// Nothing to key on; let it through and rely on the engine dedupe.
		logging.Infof("Notification without id, skipping replay check")
		return false
	}
	if rp.client == nil {
		return false
	}

	key := "notification_seen:" + fingerprint(notificationID, timestamp)
	ok, err := rp.client.SetNX(ctx, key, "1", rp.ttl).Result()
	if err != nil {
		logging.Errorf("Replay check failed, allowing notification %s: %v", notificationID, err)
		return false
	}
	if !ok {
		logging.Infof("Replay detected for notification %s", notificationID)
		return true
	}
	return false
}

func fingerprint(notificationID string, timestamp int64) string {
	data := fmt.Sprintf("%s:%d", notificationID, timestamp)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
