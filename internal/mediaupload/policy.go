package mediaupload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// MaxUploadBytes is the fixed ceiling for one media file (2 GiB).
const MaxUploadBytes int64 = 2 << 30

var (
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrFileTooLarge         = errors.New("file exceeds upload ceiling")
	ErrEmptyFile            = errors.New("file is empty")
)

var defaultAllowed = []string{
	"video/mp4",
	"video/quicktime",
	"video/webm",
	"video/x-matroska",
	"video/x-m4v",
	"audio/mpeg",
	"audio/mp4",
	"audio/x-m4a",
	"audio/wav",
	"audio/ogg",
	"audio/webm",
}

// Policy is checked before an upload ticket is requested.
type Policy struct {
	MaxBytes int64
	Allowed  []string
}

func DefaultPolicy() Policy {
	return Policy{MaxBytes: MaxUploadBytes, Allowed: append([]string(nil), defaultAllowed...)}
}

type FileInfo struct {
	Path        string
	Name        string
	Size        int64
	ContentType string
}

// CheckFile stats and sniffs the file at path. The content type comes from
// the file's bytes, not its extension.
func (p Policy) CheckFile(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return FileInfo{}, err
	}
	if st.IsDir() {
		return FileInfo{}, fmt.Errorf("%s is a directory", path)
	}
	contentType, err := p.Check(st.Size(), f)
	if err != nil {
		return FileInfo{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return FileInfo{
		Path:        path,
		Name:        filepath.Base(path),
		Size:        st.Size(),
		ContentType: contentType,
	}, nil
}

// Check validates size and the sniffed type of head, returning the detected
// content type.
func (p Policy) Check(size int64, head io.Reader) (string, error) {
	maxBytes := p.MaxBytes
	if maxBytes <= 0 {
		maxBytes = MaxUploadBytes
	}
	if size <= 0 {
		return "", ErrEmptyFile
	}
	if size > maxBytes {
		return "", fmt.Errorf("%w: %d bytes > %d", ErrFileTooLarge, size, maxBytes)
	}
	mt, err := mimetype.DetectReader(head)
	if err != nil {
		return "", err
	}
	if !p.allowed(mt) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mt.String())
	}
	return baseType(mt.String()), nil
}

// AllowsType reports whether a declared content type is on the allow-list.
func (p Policy) AllowsType(contentType string) bool {
	mt := mimetype.Lookup(baseType(contentType))
	if mt == nil {
		return false
	}
	return p.allowed(mt)
}

func (p Policy) allowed(mt *mimetype.MIME) bool {
	allowed := p.Allowed
	if len(allowed) == 0 {
		allowed = defaultAllowed
	}
	for m := mt; m != nil; m = m.Parent() {
		for _, a := range allowed {
			if m.Is(a) {
				return true
			}
		}
	}
	return false
}

func baseType(contentType string) string {
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.TrimSpace(contentType)
}
