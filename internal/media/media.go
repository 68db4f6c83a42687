// Package media stores member profile images.
package media

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

// MaxImageSize is the largest accepted upload.
const MaxImageSize = 5 << 20

// ErrUnsupportedImage is returned for files that are not jpeg, png or gif.
var ErrUnsupportedImage = errors.New("only jpeg, jpg, png and gif images are accepted")

// ErrImageTooLarge is returned for uploads above MaxImageSize.
var ErrImageTooLarge = errors.New("image exceeds 5 MiB")

// Object is a stored file.
type Object struct {
	URL string
	Key string
}

// Store saves and deletes images.
type Store interface {
	Save(ctx context.Context, name, contentType string, data []byte) (Object, error)
	Delete(ctx context.Context, key string) error
}

var allowedTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
}

// CheckImage validates the extension, declared content type and size of an upload.
func CheckImage(name, contentType string, size int64) error {
	if size > MaxImageSize {
		return ErrImageTooLarge
	}
	want, ok := allowedTypes[strings.ToLower(filepath.Ext(name))]
	if !ok {
		return ErrUnsupportedImage
	}
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	if ct != "" && ct != want && !(ct == "image/jpg" && want == "image/jpeg") {
		return ErrUnsupportedImage
	}
	return nil
}
