package attachment

import (
	"net/http"
	"strings"
)

// NormalizeMime normalizes MIME to lowercase token form.
func NormalizeMime(raw string) string {
	mime := strings.ToLower(strings.TrimSpace(raw))
	if mime == "" {
		return ""
	}
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = strings.TrimSpace(mime[:idx])
	}
	return mime
}

// ResolveMime resolves source MIME and sniffed MIME into final MIME.
func ResolveMime(kind Kind, sourceMime, sniffedMime string) string {
	source := NormalizeMime(sourceMime)
	sniffed := NormalizeMime(sniffedMime)
	sourceGeneric := source == "" || source == "application/octet-stream"

	if kind == KindImage {
		if strings.HasPrefix(sniffed, "image/") {
			return sniffed
		}
		if strings.HasPrefix(source, "image/") {
			return source
		}
		if sniffed != "" {
			return sniffed
		}
		return "application/octet-stream"
	}

	if !sourceGeneric {
		return source
	}
	if sniffed != "" {
		return sniffed
	}
	return "application/octet-stream"
}

// DetectMime sniffs decrypted content and resolves it against the hint.
func DetectMime(kind Kind, data []byte, hint string) string {
	sniffed := ""
	if len(data) > 0 {
		head := data
		if len(head) > 512 {
			head = head[:512]
		}
		sniffed = NormalizeMime(http.DetectContentType(head))
	}
	return ResolveMime(kind, hint, sniffed)
}

// extensionFor picks the stored file extension. Images must sniff as a
// supported image type.
func extensionFor(kind Kind, mime string) (string, bool) {
	switch {
	case kind == KindImage:
		switch mime {
		case "image/png":
			return "png", true
		case "image/jpeg":
			return "jpg", true
		case "image/gif":
			return "gif", true
		case "image/webp":
			return "webp", true
		case "image/bmp":
			return "bmp", true
		}
		return "", false
	case mime == "application/pdf":
		return "pdf", true
	case mime == "application/zip":
		return "zip", true
	case mime == "image/png":
		return "png", true
	case mime == "image/jpeg":
		return "jpg", true
	case strings.HasPrefix(mime, "text/plain"):
		return "txt", true
	}
	return "bin", true
}

// mimeFromExtension maps a file name extension hint to a MIME type.
func mimeFromExtension(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return ""
	}
	switch strings.ToLower(name[idx+1:]) {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "pdf":
		return "application/pdf"
	case "zip":
		return "application/zip"
	case "docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case "xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "txt", "md":
		return "text/plain"
	}
	return ""
}
