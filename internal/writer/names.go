package writer

import (
	"mime"
	"path/filepath"
	"strings"
)

const maxNameLength = 150

// preferredExts pins one extension per common mime type; mime.ExtensionsByType
// returns several in unspecified order.
var preferredExts = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/svg+xml":   ".svg",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
	"text/csv":        ".csv",
	"text/markdown":   ".md",
	"application/json": ".json",
	"application/zip":  ".zip",
}

// InferName picks a filename for an attachment: an explicit metadata name
// wins, else a server-suggested name (Content-Disposition), else the file id
// with an extension derived from the mime type. The result is always
// sanitized; a candidate that already carries an extension never gets a
// second one appended.
func InferName(metaName, suggested, fileID, mimeType string) string {
	candidate := metaName
	if candidate == "" {
		candidate = suggested
	}
	if candidate == "" {
		candidate = fileID
	}
	candidate = SanitizeName(candidate)
	if filepath.Ext(candidate) == "" {
		candidate += extForMime(mimeType)
	}
	return candidate
}

// SanitizeName replaces filesystem-illegal characters and bounds the length,
// keeping the extension when truncation is needed.
func SanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(name, " .")
	if name == "" {
		name = "unnamed"
	}
	if len(name) > maxNameLength {
		ext := filepath.Ext(name)
		if len(ext) > 10 {
			ext = ""
		}
		name = name[:maxNameLength-len(ext)] + ext
	}
	return name
}

func extForMime(mimeType string) string {
	if mimeType == "" {
		return ""
	}
	base := mimeType
	if i := strings.Index(base, ";"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	if ext, ok := preferredExts[base]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(base)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
