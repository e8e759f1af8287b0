package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearbill/backend/internal/billing"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestTransitionInvoiceAppliesCompareAndSet(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE invoices SET status").
		WithArgs(billing.StatusProcessing, sqlmock.AnyArg(), id, billing.StatusSubmitted).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.TransitionInvoice(context.Background(), id, billing.StatusSubmitted, billing.StatusProcessing)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionInvoiceStaleStatusConflicts(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE invoices SET status").
		WithArgs(billing.StatusProcessing, sqlmock.AnyArg(), id, billing.StatusSubmitted).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM invoices WHERE id").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "supplier_id", "contract_id", "invoice_number", "invoice_date", "status",
			"raw_file_path", "file_format", "current_version", "submitted_at", "submission_notes",
			"created_at", "updated_at",
		}).AddRow(
			id.String(), uuid.New().String(), uuid.New().String(), "INV-2025-0042", now, "APPROVED",
			"invoices/x.csv", "csv", 1, nil, "", now, now,
		))

	err := s.TransitionInvoice(context.Background(), id, billing.StatusSubmitted, billing.StatusProcessing)
	var conflict *billing.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "APPROVED", conflict.From)
	assert.Equal(t, string(billing.StatusProcessing), conflict.To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionInvoiceRejectsIllegalEdge(t *testing.T) {
	s, mock := newMockStore(t)

	err := s.TransitionInvoice(context.Background(), uuid.New(), billing.StatusExported, billing.StatusDraft)
	var conflict *billing.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.NoError(t, mock.ExpectationsWereMet(), "illegal edges must not reach the database")
}

func TestGetInvoiceMissingMapsToNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("FROM invoices WHERE id").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetInvoice(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetMappingRuleMissingReturnsNil(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("FROM mapping_rules WHERE id").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	rule, err := s.GetMappingRule(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, rule)
}

func TestAppendAuditEventStoreAssignsIdentity(t *testing.T) {
	s, mock := newMockStore(t)
	assigned := uuid.New()
	stamped := time.Now().UTC().Truncate(time.Microsecond)

	event := &billing.AuditEvent{
		EntityType: billing.EntityInvoice,
		EntityID:   uuid.New(),
		EventType:  billing.EventInvoiceSubmitted,
		ActorType:  billing.ActorSupplier,
		Payload:    map[string]interface{}{"invoice_number": "INV-2025-0042"},
	}

	mock.ExpectQuery("INSERT INTO audit_events").
		WithArgs(event.EntityType, event.EntityID, event.EventType, event.ActorType,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).
			AddRow(assigned.String(), stamped))

	require.NoError(t, s.AppendAuditEvent(context.Background(), event))
	assert.Equal(t, assigned, event.ID)
	assert.True(t, event.CreatedAt.Equal(stamped))
}

func TestAppendAuditEventRejectsCallerTimestamp(t *testing.T) {
	s, mock := newMockStore(t)

	event := &billing.AuditEvent{
		EntityType: billing.EntityInvoice,
		EntityID:   uuid.New(),
		EventType:  billing.EventInvoiceCreated,
		ActorType:  billing.ActorSystem,
		CreatedAt:  time.Now(),
	}

	err := s.AppendAuditEvent(context.Background(), event)
	assert.ErrorIs(t, err, ErrTimestampSupplied)
	assert.NoError(t, mock.ExpectationsWereMet(), "rejected events must not reach the database")
}

func TestInTransactionCommits(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO carriers").
		WithArgs(sqlmock.AnyArg(), "Northwind Mutual", "NWM", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InTransaction(context.Background(), func(tx Store) error {
		return tx.InsertCarrier(context.Background(), &billing.Carrier{
			Name:      "Northwind Mutual",
			ShortCode: "NWM",
			IsActive:  true,
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTransactionRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.InTransaction(context.Background(), func(tx Store) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTransactionNestedCallJoins(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO suppliers").
		WithArgs(sqlmock.AnyArg(), "Apex IME Group", "84-1234567", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InTransaction(context.Background(), func(tx Store) error {
		return tx.InTransaction(context.Background(), func(inner Store) error {
			return inner.InsertSupplier(context.Background(), &billing.Supplier{
				Name:     "Apex IME Group",
				TaxID:    "84-1234567",
				IsActive: true,
			})
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetInvoiceScansNullableColumns(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	supplierID := uuid.New()
	contractID := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectQuery("FROM invoices WHERE id").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "supplier_id", "contract_id", "invoice_number", "invoice_date", "status",
			"raw_file_path", "file_format", "current_version", "submitted_at", "submission_notes",
			"created_at", "updated_at",
		}).AddRow(
			id.String(), supplierID.String(), contractID.String(), "INV-2025-0007", now, "DRAFT",
			"", "csv", 1, nil, "", now, now,
		))

	inv, err := s.GetInvoice(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, inv.ID)
	assert.Equal(t, supplierID, inv.SupplierID)
	assert.Equal(t, billing.StatusDraft, inv.Status)
	assert.Nil(t, inv.SubmittedAt, "NULL submitted_at must scan to nil")
}

func TestExpireMappingRuleMissingRowNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	at := time.Now().UTC()

	mock.ExpectExec("UPDATE mapping_rules SET effective_to").
		WithArgs(at, id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.ExpireMappingRule(context.Background(), id, at)
	assert.ErrorIs(t, err, ErrNotFound)
}
