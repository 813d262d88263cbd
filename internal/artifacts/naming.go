// Package artifacts stores generated page art and documents, and reads
// them back for assembly.
package artifacts

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// PageName is the object name of a story page illustration.
func PageName(storyID string, pageNumber int, ext string) string {
	return fmt.Sprintf("%s_page_%d.%s", storyID, pageNumber, strings.TrimPrefix(ext, "."))
}

// CoverName is the object name of a story cover.
func CoverName(storyID, ext string) string {
	return fmt.Sprintf("%s_cover.%s", storyID, strings.TrimPrefix(ext, "."))
}

// DocumentName is the object name of an assembled book.
func DocumentName(storyID string) string {
	return storyID + "_book.pdf"
}

// Extension maps a MIME type to a file extension, defaulting to jpg.
func Extension(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "application/pdf":
		return "pdf"
	default:
		return "jpg"
	}
}

// Join places name under root, which may be empty.
func Join(root, name string) string {
	if root == "" {
		return name
	}
	return path.Join(root, name)
}

// CacheBust appends v=<unix millis> so clients refetch regenerated art.
func CacheBust(rawURL string, t time.Time) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + "v=" + strconv.FormatInt(t.UnixMilli(), 10)
}

