package watch

import (
	"strings"

	"github.com/google/uuid"
)

// generateIDWithPrefix derives a short subscription id, e.g. "w_1f8a9c02b3d4".
func generateIDWithPrefix(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
