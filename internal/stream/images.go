package stream

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/memohai/memoh-wecom/internal/wecom"
)

// Limits on images attached to a finished stream.
const (
	MaxImages     = 10
	MaxImageBytes = 10 * 1024 * 1024
)

// PrepareImages loads the local images referenced by the model output.
// Unreadable, oversized or non jpg/png files are skipped.
func PrepareImages(log *slog.Logger, paths []string) []wecom.StreamImage {
	if log == nil {
		log = slog.Default()
	}
	if len(paths) > MaxImages {
		paths = paths[:MaxImages]
	}
	var out []wecom.StreamImage
	for _, p := range paths {
		switch strings.ToLower(strings.TrimPrefix(filepath.Ext(p), ".")) {
		case "jpg", "jpeg", "png":
		default:
			log.Warn("stream image skipped: unsupported extension", slog.String("path", p))
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			log.Warn("stream image skipped", slog.String("path", p), slog.Any("error", err))
			continue
		}
		if info.Size() > MaxImageBytes {
			log.Warn("stream image skipped: too large", slog.String("path", p), slog.Int64("size", info.Size()))
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			log.Warn("stream image read failed", slog.String("path", p), slog.Any("error", err))
			continue
		}
		sum := md5.Sum(data)
		out = append(out, wecom.StreamImage{
			Base64: base64.StdEncoding.EncodeToString(data),
			MD5:    hex.EncodeToString(sum[:]),
		})
	}
	return out
}
