package models

import (
	"fmt"

	"loan-sync-worker/internal/pkg/consts"
)

// EntityLockKey is the Redis key serialising writes to one business id.
func EntityLockKey(kind EntityKind, id int64) string {
	return fmt.Sprintf(consts.RedisLockKeyTemplate, kind, id)
}
