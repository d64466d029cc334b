package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func BrandKey(nameSlug string) string {
	return fmt.Sprintf("brand:%s", nameSlug)
}

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func LockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}
