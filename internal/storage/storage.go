// Package storage persists uploaded invoice files outside the
// database. Paths returned by Save are relative to the backend root so
// they stay portable across mounts; the database stores only these
// relative paths.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var logger = log.New(log.Writer(), "[STORAGE] ", log.LstdFlags)

// ErrS3NotImplemented is returned when the s3 backend is selected.
// The config key exists so deployments can flip over without a schema
// change once the backend lands.
var ErrS3NotImplemented = errors.New("storage: s3 backend is not yet implemented, use the local backend")

// Backend stores and retrieves raw invoice files by relative path.
type Backend interface {
	Save(ctx context.Context, data []byte, subfolder, filename string) (string, error)
	Load(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// New returns the backend selected by name: "local" (default) or "s3".
func New(backend, localRoot string) (Backend, error) {
	switch backend {
	case "", "local":
		return NewLocal(localRoot)
	case "s3":
		return nil, ErrS3NotImplemented
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}

// =============================================================================
// PATH LAYOUT
// =============================================================================

// InvoiceFolder is the per-invoice subfolder all uploads land in.
func InvoiceFolder(invoiceID uuid.UUID) string {
	return "invoices/" + invoiceID.String()
}

// VersionedFilename names one uploaded version so later uploads never
// clobber earlier ones.
func VersionedFilename(invoiceID uuid.UUID, version int, original string) string {
	return fmt.Sprintf("%s_v%d_%s", invoiceID, version, sanitizeFilename(original))
}

// sanitizeFilename reduces a client-supplied filename to a bare name.
// Browsers and API clients send anything, including directory parts.
func sanitizeFilename(filename string) string {
	name := strings.TrimSpace(filename)
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.FromSlash(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "upload.bin"
	}
	return name
}

// =============================================================================
// LOCAL DISK
// =============================================================================

// Local stores files under a root directory on the local filesystem,
// a mounted disk in production.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed and returns the backend.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, errors.New("storage: local root path is empty")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", root, err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root %s: %w", root, err)
	}
	return &Local{root: abs}, nil
}

// Save writes data under subfolder/filename and returns the relative
// path, always slash-separated.
func (l *Local) Save(ctx context.Context, data []byte, subfolder, filename string) (string, error) {
	rel := filepath.Join(filepath.FromSlash(subfolder), sanitizeFilename(filename))
	target, err := l.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("create directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", rel, err)
	}
	logger.Printf("stored %d bytes at %s", len(data), filepath.ToSlash(rel))
	return filepath.ToSlash(rel), nil
}

// Load reads the file at a relative path returned by Save.
func (l *Local) Load(ctx context.Context, path string) ([]byte, error) {
	target, err := l.resolve(filepath.FromSlash(path))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Exists reports whether a relative path is present in storage.
func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	target, err := l.resolve(filepath.FromSlash(path))
	if err != nil {
		return false, err
	}
	_, err = os.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return true, nil
}

// resolve joins rel onto the root and rejects any path that cleans to
// outside it.
func (l *Local) resolve(rel string) (string, error) {
	target := filepath.Join(l.root, rel)
	if target != l.root && !strings.HasPrefix(target, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("storage: path %q escapes the storage root", rel)
	}
	return target, nil
}
