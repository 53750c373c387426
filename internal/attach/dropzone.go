// Package attach turns files dropped by the user into domain.File values a
// channel can send.
package attach

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"chatchannel/internal/domain"
)

const (
	// DefaultAccept mirrors a chat composer that only takes pictures.
	DefaultAccept   = "image/*"
	DefaultMaxBytes = 10 << 20
)

// Dropzone is the presentation layer's handle on its file drop target.
// Opener, when set, plays the role of a file dialog and returns the chosen
// paths; it may be nil until the presentation layer has one to offer.
type Dropzone struct {
	Accept   string
	MaxBytes int64
	Opener   func() ([]string, error)
	Logger   *slog.Logger
}

// New creates a Dropzone with the given accept pattern.
func New(accept string, maxBytes int64, logger *slog.Logger) *Dropzone {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dropzone{Accept: accept, MaxBytes: maxBytes, Logger: logger}
}

// Ready reports whether the dialog can be opened.
func (d *Dropzone) Ready() bool {
	return d != nil && d.Opener != nil
}

// Open asks the opener for paths and drops them. A nil opener yields no files.
func (d *Dropzone) Open() ([]domain.File, error) {
	if !d.Ready() {
		return nil, nil
	}
	paths, err := d.Opener()
	if err != nil {
		return nil, fmt.Errorf("open dialog: %w", err)
	}
	return d.Drop(paths...)
}

// Drop reads paths and returns the accepted files in the order given.
// Files rejected by type or size are logged and skipped; an unreadable file
// aborts the drop.
func (d *Dropzone) Drop(paths ...string) ([]domain.File, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var accepted []domain.File
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if info.IsDir() {
			logger.Warn("dropped path is a directory, skipping", "path", p)
			continue
		}
		if d.MaxBytes > 0 && info.Size() > d.MaxBytes {
			logger.Warn("dropped file too large, skipping", "path", p, "size", info.Size(), "max", d.MaxBytes)
			continue
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		mime := baseType(mimetype.Detect(data).String())
		if !Matches(d.Accept, mime) {
			logger.Warn("dropped file rejected", "path", p, "mime", mime, "accept", d.Accept)
			continue
		}

		accepted = append(accepted, domain.File{
			Name:     filepath.Base(p),
			MimeType: mime,
			Data:     data,
		})
	}
	return accepted, nil
}

// Matches reports whether mime satisfies accept, a comma-separated list of
// MIME types or wildcards ("image/*", "*/*"). An empty accept matches anything.
func Matches(accept, mime string) bool {
	accept = strings.TrimSpace(accept)
	if accept == "" {
		return true
	}
	mime = strings.ToLower(baseType(mime))
	for _, pattern := range strings.Split(accept, ",") {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		switch {
		case pattern == "":
			continue
		case pattern == "*/*" || pattern == "*":
			return true
		case strings.HasSuffix(pattern, "/*"):
			if strings.HasPrefix(mime, strings.TrimSuffix(pattern, "*")) {
				return true
			}
		case pattern == mime:
			return true
		}
	}
	return false
}

func baseType(mime string) string {
	base, _, _ := strings.Cut(mime, ";")
	return strings.TrimSpace(base)
}
