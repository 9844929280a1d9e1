package xid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New returns an identifier such as TX-3F9A1C07B2D4.
func New(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s-%s", prefix, strings.ToUpper(raw[:12]))
}
