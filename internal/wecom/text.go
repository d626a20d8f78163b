package wecom

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/memohai/memoh-wecom/internal/wecom/crypto"
)

// Platform limits on reply content.
const (
	MarkdownMaxBytes   = 20480
	MarkdownChunkBytes = 8000
	streamIDPrefix     = "zs_"
	streamIDLength     = 20
)

var emojis = []string{"🙂", "😄", "🤝", "🚀", "👌"}

// NewStreamID returns a fresh passive stream identifier.
func NewStreamID() string {
	return streamIDPrefix + crypto.RandomString(streamIDLength)
}

// RandomEmoji picks one acknowledgment marker.
func RandomEmoji() string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(emojis))))
	if err != nil {
		return emojis[0]
	}
	return emojis[n.Int64()]
}

// ContainsStopCommand matches the localized stop word or a case-insensitive "stop".
func ContainsStopCommand(text string) bool {
	return strings.Contains(text, "停止") || strings.Contains(strings.ToLower(text), "stop")
}

// TrimUTF8 cuts s to at most maxBytes without splitting a rune.
func TrimUTF8(s string, maxBytes int) string {
	head, _ := SplitUTF8(s, maxBytes)
	return head
}

// SplitUTF8 splits s at the last rune boundary not beyond maxBytes.
func SplitUTF8(s string, maxBytes int) (head, tail string) {
	if len(s) <= maxBytes {
		return s, ""
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], s[cut:]
}

// SplitMarkdownChunks breaks text into push-sized chunks on line boundaries.
// A single line longer than a chunk is hard split on rune boundaries.
func SplitMarkdownChunks(text string) []string {
	if text == "" {
		return []string{""}
	}
	var chunks []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}
	for _, line := range splitLines(text) {
		for len(line) > MarkdownChunkBytes {
			flush()
			var head string
			head, line = SplitUTF8(line, MarkdownChunkBytes)
			chunks = append(chunks, head)
		}
		if current.Len() > 0 && current.Len()+1+len(line) > MarkdownChunkBytes {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	flush()
	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}

// ParseImageMarkers removes [IMAGE:path] markers from model output and
// returns the cleaned text with the referenced paths in order.
func ParseImageMarkers(text string) (string, []string) {
	const tag = "[IMAGE:"
	var cleaned strings.Builder
	var paths []string
	rest := text
	for {
		start := strings.Index(rest, tag)
		if start < 0 {
			break
		}
		cleaned.WriteString(rest[:start])
		after := rest[start+len(tag):]
		end := strings.Index(after, "]")
		if end < 0 {
			cleaned.WriteString(tag)
			rest = after
			continue
		}
		if p := strings.TrimSpace(after[:end]); p != "" {
			paths = append(paths, p)
		}
		rest = after[end+1:]
	}
	cleaned.WriteString(rest)
	return strings.TrimSpace(strings.Join(splitLines(cleaned.String()), "\n")), paths
}

// SafeComponent maps s onto [A-Za-z0-9_:-] for use in file names.
func SafeComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == ':':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}
