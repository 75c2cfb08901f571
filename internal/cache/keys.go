package cache

import (
	"fmt"

	"github.com/google/uuid"
)

const deviceSnapshotPrefix = "docpipe:devices:"

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("docpipe:job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("docpipe:ratelimit:%s", keyPrefix)
}

func DeviceSnapshotKey(worker string) string {
	return deviceSnapshotPrefix + worker
}
