// Package blob moves attachment content: fetching remote files, uploading to
// the blob endpoint or object storage, and the size and type checks between.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/lherron/crmsync/internal/domain"
)

const octetStream = "application/octet-stream"

// DetectType sniffs the content type of data, falling back to the file
// extension of name when sniffing finds nothing specific.
func DetectType(name string, data []byte) string {
	if len(data) > 0 {
		if mt := mimetype.Detect(data); mt != nil && mt.String() != octetStream {
			return stripParams(mt.String())
		}
	}
	return typeFromExtension(name)
}

func typeFromExtension(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return octetStream
	}
	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" {
		return octetStream
	}
	return stripParams(mimeType)
}

// stripParams removes parameters like charset.
func stripParams(mimeType string) string {
	if idx := strings.IndexByte(mimeType, ';'); idx != -1 {
		return strings.TrimSpace(mimeType[:idx])
	}
	return mimeType
}

// ValidateSize checks if a blob is within the limit. maxMB <= 0 means unlimited.
func ValidateSize(size int64, maxMB int64) error {
	if maxMB <= 0 {
		return nil
	}
	maxBytes := maxMB * 1024 * 1024
	if size > maxBytes {
		return fmt.Errorf("attachment size %d bytes exceeds limit of %d MB", size, maxMB)
	}
	return nil
}

// Checksum returns the hex sha256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Describe finalizes descriptor metadata from fetched content: the size is
// taken from the content and a missing type is detected.
func Describe(data []byte, d *domain.BlobDescriptor) {
	d.Size = int64(len(data))
	if d.Type == "" || d.Type == octetStream {
		d.Type = DetectType(d.Name, data)
	}
}
