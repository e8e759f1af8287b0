package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	invoiceID := uuid.New()
	body := []byte("description,amount\nIME Physician Examination,600.00\n")

	rel, err := backend.Save(ctx, body, InvoiceFolder(invoiceID), VersionedFilename(invoiceID, 1, "billing.csv"))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("invoices/%s/%s_v1_billing.csv", invoiceID, invoiceID), rel)

	loaded, err := backend.Load(ctx, rel)
	require.NoError(t, err)
	assert.Equal(t, body, loaded)

	ok, err := backend.Exists(ctx, rel)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = backend.Exists(ctx, "invoices/nope/missing.csv")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalSecondVersionDoesNotClobberFirst(t *testing.T) {
	ctx := context.Background()
	backend, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	invoiceID := uuid.New()

	first, err := backend.Save(ctx, []byte("v1"), InvoiceFolder(invoiceID), VersionedFilename(invoiceID, 1, "billing.csv"))
	require.NoError(t, err)
	second, err := backend.Save(ctx, []byte("v2"), InvoiceFolder(invoiceID), VersionedFilename(invoiceID, 2, "billing.csv"))
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	data, err := backend.Load(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)
}

func TestLocalRejectsPathEscape(t *testing.T) {
	ctx := context.Background()
	backend, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = backend.Save(ctx, []byte("x"), "../../outside", "evil.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the storage root")

	_, err = backend.Load(ctx, "../secrets.txt")
	require.Error(t, err)

	_, err = backend.Exists(ctx, "../../etc/passwd")
	require.Error(t, err)
}

func TestLocalSanitizesClientFilename(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	backend, err := NewLocal(root)
	require.NoError(t, err)
	invoiceID := uuid.New()

	rel, err := backend.Save(ctx, []byte("x"), InvoiceFolder(invoiceID), `..\..\evil.csv`)
	require.NoError(t, err)
	assert.Equal(t, "invoices/"+invoiceID.String()+"/evil.csv", rel)

	rel, err = backend.Save(ctx, []byte("x"), InvoiceFolder(invoiceID), "/etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "invoices/"+invoiceID.String()+"/passwd", rel)

	rel, err = backend.Save(ctx, []byte("x"), InvoiceFolder(invoiceID), "   ")
	require.NoError(t, err)
	assert.Equal(t, "invoices/"+invoiceID.String()+"/upload.bin", rel)
}

func TestNewLocalCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "uploads", "nested")
	_, err := NewLocal(root)
	require.NoError(t, err)

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestFactorySelectsBackend(t *testing.T) {
	backend, err := New("local", t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &Local{}, backend)

	backend, err = New("", t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &Local{}, backend)

	_, err = New("s3", "")
	require.ErrorIs(t, err, ErrS3NotImplemented)

	_, err = New("ftp", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown backend "ftp"`)

	_, err = New("local", "")
	require.Error(t, err, "local backend requires a root path")
}

func TestVersionedFilename(t *testing.T) {
	id := uuid.MustParse("7b0c3a92-4f13-4a62-9b52-b6c1e4f0a9d1")
	assert.Equal(t,
		"7b0c3a92-4f13-4a62-9b52-b6c1e4f0a9d1_v3_billing.csv",
		VersionedFilename(id, 3, "billing.csv"))
	assert.Equal(t,
		"7b0c3a92-4f13-4a62-9b52-b6c1e4f0a9d1_v1_upload.bin",
		VersionedFilename(id, 1, ""))
}
