package storage

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ObjectLocation describes where a blob should live.
type ObjectLocation struct {
	Bucket   string
	FullPath string
}

// ResolveObjectLocation combines the owning user, the agent and a logical key
// into a bucket/path pair.
//   - bucket must come from deployment configuration (one bucket per environment).
//   - logicalKey is an agent-relative key such as "training/catalog.pdf".
//
// Layout: agents/<user_id>/<agent_uuid>/<logical_key>. Keeping the user id in
// the prefix lets bucket-level IAM conditions scope access per owner.
func ResolveObjectLocation(userID string, agentID uuid.UUID, bucket, logicalKey string) (ObjectLocation, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return ObjectLocation{}, fmt.Errorf("bucket is required")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ObjectLocation{}, fmt.Errorf("user id is required")
	}
	if agentID == uuid.Nil {
		return ObjectLocation{}, fmt.Errorf("agent id is required")
	}

	key := strings.TrimSpace(logicalKey)
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return ObjectLocation{}, fmt.Errorf("logical key is required")
	}
	if strings.Contains(key, "..") {
		return ObjectLocation{}, fmt.Errorf("logical key must not contain path traversal")
	}

	fullPath := fmt.Sprintf("agents/%s/%s/%s", userID, agentID.String(), key)
	return ObjectLocation{Bucket: bucket, FullPath: fullPath}, nil
}
