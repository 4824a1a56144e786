package util

import (
	"strings"

	"github.com/google/uuid"
)

// TemporaryPrefix marks ids minted by clients before the first save. Permanent
// ids never start with it.
const TemporaryPrefix = "tmp_"

func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

func NewTemporaryID() string {
	return TemporaryPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryPrefix)
}
