package ingest

// PDFParser is wired into the format dispatch so PDF uploads fail with
// a clear, typed message instead of a generic format error. Extraction
// itself ships in a later release.
//
// Known complexity points for the eventual implementation: multi-page
// invoices with header-only first pages, landscape tables, sub-total
// rows that must be detected and skipped, and scanned PDFs (which need
// OCR and stay out of scope).
type PDFParser struct{}

// Parse always fails with ErrNotImplemented wrapped in a ParseError.
func (p *PDFParser) Parse(data []byte, filename string) (*ParseResult, error) {
	return nil, &ParseError{
		Reason: "PDF parsing is not yet implemented. File: " + filename +
			". Please convert your invoice to CSV format; PDF support is planned for a future release.",
		Err: ErrNotImplemented,
	}
}
