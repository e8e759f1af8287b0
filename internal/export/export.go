// Package export renders the approved lines of an invoice as CSV for
// accounts-payable import and retires the invoice to its terminal
// EXPORTED status. Export is one transaction: the file bytes and the
// status change either both happen or neither does.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/clearbill/backend/internal/audit"
	"github.com/clearbill/backend/internal/billing"
	"github.com/clearbill/backend/internal/store"
)

var logger = log.New(log.Writer(), "[EXPORT] ", log.LstdFlags)

// ErrNoApprovedLines is returned when an invoice reaches export with
// nothing to pay.
var ErrNoApprovedLines = errors.New("export: no approved lines to export")

// Columns is the AP import layout. The order is a contract with
// downstream systems; never reorder.
var Columns = []string{
	"invoice_number",
	"claim_number",
	"service_date",
	"description",
	"taxonomy_code",
	"billing_component",
	"quantity",
	"unit",
	"billed_amount",
	"approved_amount",
}

// Result is a rendered export file.
type Result struct {
	Filename  string
	Data      []byte
	LineCount int
}

// Exporter produces AP export files from approved invoices.
type Exporter struct {
	store store.Store
}

func New(st store.Store) *Exporter {
	return &Exporter{store: st}
}

// Export renders the APPROVED lines of an APPROVED invoice and
// transitions it to EXPORTED. A non-APPROVED invoice yields a
// *billing.ConflictError; an APPROVED invoice with no approved lines
// yields ErrNoApprovedLines and stays APPROVED.
func (e *Exporter) Export(ctx context.Context, invoiceID uuid.UUID, actor *uuid.UUID) (*Result, error) {
	var result *Result
	err := e.store.InTransaction(ctx, func(tx store.Store) error {
		invoice, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := billing.GuardInvoiceTransition(invoice.ID, invoice.Status, billing.StatusExported); err != nil {
			return err
		}

		lines, err := tx.ListLineItems(ctx, invoice.ID, invoice.CurrentVersion)
		if err != nil {
			return err
		}
		approved := make([]billing.LineItem, 0, len(lines))
		for _, line := range lines {
			if line.Status == billing.LineApproved {
				approved = append(approved, line)
			}
		}
		if len(approved) == 0 {
			return ErrNoApprovedLines
		}

		data, err := render(invoice, approved)
		if err != nil {
			return err
		}

		if err := tx.TransitionInvoice(ctx, invoice.ID, invoice.Status, billing.StatusExported); err != nil {
			return err
		}
		audit.NewRecorder(tx).InvoiceStatusChanged(ctx, invoice, invoice.Status, billing.StatusExported, billing.ActorCarrier, actor)

		result = &Result{
			Filename:  Filename(invoice.InvoiceNumber, time.Now()),
			Data:      data,
			LineCount: len(approved),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Printf("Exported invoice %s: %d approved lines, %d bytes", invoiceID, result.LineCount, len(result.Data))
	return result, nil
}

// Filename names an export file after the invoice number and the UTC
// export date, e.g. approved_INV-2025-0042_20250315.csv.
func Filename(invoiceNumber string, at time.Time) string {
	return fmt.Sprintf("approved_%s_%s.csv", invoiceNumber, at.UTC().Format("20060102"))
}

func render(invoice *billing.Invoice, lines []billing.LineItem) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(Columns); err != nil {
		return nil, fmt.Errorf("write export header: %w", err)
	}
	for i := range lines {
		if err := w.Write(row(invoice, &lines[i])); err != nil {
			return nil, fmt.Errorf("write export line %d: %w", lines[i].LineNumber, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush export: %w", err)
	}
	return buf.Bytes(), nil
}

func row(invoice *billing.Invoice, line *billing.LineItem) []string {
	serviceDate := ""
	if line.ServiceDate != nil {
		serviceDate = line.ServiceDate.Format("2006-01-02")
	}
	// Payable defaults to the billed amount when validation never set an
	// expected amount.
	approved := line.RawAmount
	if line.ExpectedAmount != nil {
		approved = *line.ExpectedAmount
	}
	return []string{
		invoice.InvoiceNumber,
		line.ClaimNumber,
		serviceDate,
		line.RawDescription,
		line.TaxonomyCode,
		line.BillingComponent,
		line.RawQuantity.String(),
		line.RawUnit,
		line.RawAmount.String(),
		approved.String(),
	}
}
