package radio

import (
	"fmt"
	"strings"
	"time"
)

const (
	// MaxMessageLen is the hard limit for a single outbound message part,
	// sized so a part fits one LoRa frame after transport overhead.
	MaxMessageLen = 190

	// MultipartDelay is the pacing delay between parts of a split message.
	MultipartDelay = 2 * time.Second
)

// Chunk splits text into parts that each fit maxLen characters, including
// the "i/N " prefix added when more than one part is required. A message at
// or under the limit is returned as a single unprefixed part.
func Chunk(text string, maxLen int) []string {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil
	}
	runes := []rune(t)
	if len(runes) <= maxLen {
		return []string{t}
	}

	var raw [][]rune
	for i := 0; i < len(runes); i += maxLen {
		end := i + maxLen
		if end > len(runes) {
			end = len(runes)
		}
		raw = append(raw, runes[i:end])
	}

	total := len(raw)
	parts := make([]string, 0, total)
	for i, part := range raw {
		prefix := fmt.Sprintf("%d/%d ", i+1, total)
		allowed := maxLen - len(prefix)
		if allowed < 0 {
			allowed = 0
		}
		if len(part) > allowed {
			part = part[:allowed]
		}
		parts = append(parts, prefix+string(part))
	}
	return parts
}
