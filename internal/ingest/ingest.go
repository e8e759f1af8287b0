// Package ingest turns uploaded invoice files into normalized raw line
// items. One parser exists per file format; parsers are the only layer
// that knows about formats, and they never touch the database.
package ingest

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearbill/backend/internal/billing"
)

var logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)

// ErrNotImplemented marks a format whose parser is wired but not yet
// built. Surfaced inside a ParseError.
var ErrNotImplemented = errors.New("parser not implemented")

// ParseError reports a file that cannot be parsed (bad format, missing
// required columns, encoding failure). The Reason is user-facing.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErrorf(format string, args ...interface{}) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// RawLineItem is a single normalized line extracted from an invoice
// file. "Raw" means amounts and quantities are decimals, dates are
// parsed, strings are stripped, but no classification or validation
// has happened yet.
type RawLineItem struct {
	LineNumber      int
	RawDescription  string
	RawAmount       decimal.Decimal
	RawQuantity     decimal.Decimal
	RawUnit         string
	RawCode         string
	ClaimNumber     string
	ServiceDate     *time.Time
	ExtractionNotes []string
}

// ParseResult is the outcome of parsing one file.
type ParseResult struct {
	LineItems        []RawLineItem
	RawText          string
	ExtractionMethod string
	Warnings         []string
	PageCount        int
}

// Parser converts file bytes into a ParseResult or fails with a
// *ParseError. Implementations must not write state.
type Parser interface {
	Parse(data []byte, filename string) (*ParseResult, error)
}

// parsers is the only place formats are enumerated.
var parsers = map[billing.FileFormat]Parser{
	billing.FormatCSV: &CSVParser{},
	billing.FormatPDF: &PDFParser{},
}

// DetectFormat infers the file format from the filename extension.
func DetectFormat(filename string) (billing.FileFormat, error) {
	ext := ""
	if i := strings.LastIndexByte(filename, '.'); i >= 0 {
		ext = strings.ToLower(filename[i+1:])
	}
	switch ext {
	case "csv", "tsv":
		return billing.FormatCSV, nil
	case "pdf":
		return billing.FormatPDF, nil
	case "xlsx", "xls":
		return "", parseErrorf("Excel files (.xlsx/.xls) are not yet supported. Please export your invoice as CSV.")
	default:
		return "", parseErrorf("cannot determine file format from filename %q; supported extensions: .csv, .tsv, .pdf", filename)
	}
}

// ParserFor returns the parser registered for a format.
func ParserFor(format billing.FileFormat) (Parser, error) {
	p, ok := parsers[format]
	if !ok {
		return nil, parseErrorf("unsupported file format %q", format)
	}
	return p, nil
}

// Parse dispatches on filename extension and parses in one step.
func Parse(data []byte, filename string) (*ParseResult, billing.FileFormat, error) {
	format, err := DetectFormat(filename)
	if err != nil {
		return nil, "", err
	}
	p, err := ParserFor(format)
	if err != nil {
		return nil, "", err
	}
	result, err := p.Parse(data, filename)
	if err != nil {
		return nil, format, err
	}
	return result, format, nil
}
