package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// columnAliases maps each canonical field to the header spellings that
// bind to it, all lowercased and stripped. Suppliers name columns every
// which way; this table covers what IME schedulers, IA networks, and
// engineering firms actually send.
var columnAliases = map[string][]string{
	"description": {
		"description",
		"service description",
		"service_description",
		"line description",
		"line_description",
		"desc",
		"service",
		"item",
		"charge description",
		"charge_description",
		"billing description",
	},
	"amount": {
		"amount",
		"total",
		"total amount",
		"billed amount",
		"billed_amount",
		"charge",
		"fee",
		"invoice amount",
		"gross amount",
		"line total",
		"line_total",
		"extended amount",
		"extended_amount",
	},
	"quantity": {
		"quantity",
		"qty",
		"units",
		"unit quantity",
		"hours",
		"count",
		"num",
		"number",
		"volume",
	},
	"unit": {
		"unit",
		"unit type",
		"unit_type",
		"uom",
		"unit of measure",
		"billing unit",
		"rate unit",
	},
	"code": {
		"code",
		"service code",
		"service_code",
		"billing code",
		"billing_code",
		"procedure code",
		"procedure_code",
		"item code",
		"charge code",
		"cpt",
		"cpt code",
	},
	"claim_number": {
		"claim number",
		"claim_number",
		"claim",
		"claim no",
		"claim#",
		"claimant number",
		"file number",
		"file_number",
		"file no",
		"ref",
		"reference",
		"reference number",
	},
	"service_date": {
		"service date",
		"service_date",
		"date of service",
		"dos",
		"date",
		"exam date",
		"inspection date",
		"visit date",
		"transaction date",
		"invoice date",
	},
}

// requiredColumns must resolve at the header level or the whole file is
// rejected.
var requiredColumns = []string{"description", "amount"}

// dateLayouts are tried in order by toDate. ISO first, then US, then
// long forms.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"1-2-2006",
	"01/02/06",
	"1/2/06",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// rawTextSampleBytes bounds the artifact sample retained per file.
const rawTextSampleBytes = 5000

// CSVParser parses CSV and TSV invoice files, resilient to the column
// naming variations in columnAliases.
type CSVParser struct{}

// Parse decodes, delimiter-detects, and normalizes CSV bytes into raw
// line items. Rows with an empty amount are skipped with a warning; a
// file with no usable rows fails with a ParseError.
func (p *CSVParser) Parse(data []byte, filename string) (*ParseResult, error) {
	var warnings []string

	text, warn := decodeText(data)
	if warn != "" {
		warnings = append(warnings, warn)
	}

	// Tab wins if one appears in the first 2 KiB, else comma.
	delimiter := ','
	probe := text
	if len(probe) > 2048 {
		probe = probe[:2048]
	}
	if strings.ContainsRune(probe, '\t') {
		delimiter = '\t'
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("failed to parse %q as CSV", filename), Err: err}
	}
	if len(records) < 2 {
		return nil, parseErrorf("file %q contains no data rows", filename)
	}

	header := make([]string, len(records[0]))
	for i, col := range records[0] {
		header[i] = strings.ToLower(strings.TrimSpace(col))
	}
	colMap, err := buildColumnMap(header, filename)
	if err != nil {
		return nil, err
	}

	var lineItems []RawLineItem
	for i, record := range records[1:] {
		rowNumber := i + 2 // 1-based plus header row

		if blankRecord(record) {
			continue
		}

		var rowNotes []string

		rawAmount, ok := cell(record, colMap["amount"])
		if !ok || strings.TrimSpace(rawAmount) == "" {
			warnings = append(warnings, fmt.Sprintf("Row %d skipped: amount is empty", rowNumber))
			logger.Printf("Skipping row %d in %s: empty amount", rowNumber, filename)
			continue
		}
		amount, err := toDecimal(rawAmount)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("Row %d skipped: %v", rowNumber, err))
			logger.Printf("Skipping row %d in %s: %v", rowNumber, filename, err)
			continue
		}

		description := cleanStr(stringCell(record, colMap["description"]))
		if description == "" {
			description = fmt.Sprintf("(no description - row %d)", rowNumber)
		}

		quantity := decimal.NewFromInt(1)
		if raw := strings.TrimSpace(stringCell(record, colMap["quantity"])); raw != "" {
			q, err := toDecimal(raw)
			if err != nil {
				rowNotes = append(rowNotes, fmt.Sprintf("unparseable quantity %q; defaulted to 1", raw))
			} else {
				quantity = q
			}
		}

		lineItems = append(lineItems, RawLineItem{
			LineNumber:      rowNumber - 1, // 1-based over data rows
			RawDescription:  description,
			RawAmount:       amount,
			RawQuantity:     quantity,
			RawUnit:         cleanStr(stringCell(record, colMap["unit"])),
			RawCode:         cleanStr(stringCell(record, colMap["code"])),
			ClaimNumber:     cleanStr(stringCell(record, colMap["claim_number"])),
			ServiceDate:     toDate(stringCell(record, colMap["service_date"])),
			ExtractionNotes: rowNotes,
		})
	}

	if len(lineItems) == 0 {
		return nil, parseErrorf("no valid line items found in %q", filename)
	}

	logger.Printf("parsed %d line items from %s", len(lineItems), filename)

	return &ParseResult{
		LineItems:        lineItems,
		RawText:          truncateText(text, rawTextSampleBytes),
		ExtractionMethod: "csv",
		Warnings:         warnings,
	}, nil
}

// decodeText interprets the file bytes as UTF-8 (stripping a BOM), or
// falls back to Latin-1 with a warning.
func decodeText(data []byte) (string, string) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(data) {
		return string(data), ""
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes), "File decoded as latin-1 (not UTF-8)"
}

// buildColumnMap resolves canonical field names to header indices.
// Required fields that fail to resolve reject the file.
func buildColumnMap(header []string, filename string) (map[string]int, error) {
	colMap := make(map[string]int, len(columnAliases))
	for canonical, aliases := range columnAliases {
		colMap[canonical] = -1
		for idx, actual := range header {
			if actual == canonical || contains(aliases, actual) {
				colMap[canonical] = idx
				break
			}
		}
	}
	for _, canonical := range requiredColumns {
		if colMap[canonical] == -1 {
			return nil, parseErrorf(
				"required column %q not found in %q; available: %v; accepted aliases: %v",
				canonical, filename, header, columnAliases[canonical])
		}
	}
	return colMap, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func blankRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

func cell(record []string, idx int) (string, bool) {
	if idx < 0 || idx >= len(record) {
		return "", false
	}
	return record[idx], true
}

func stringCell(record []string, idx int) string {
	s, _ := cell(record, idx)
	return s
}

// toDecimal converts a raw cell to a decimal after stripping currency
// punctuation.
func toDecimal(value string) (decimal.Decimal, error) {
	cleaned := strings.NewReplacer(",", "", "$", "", " ", "").Replace(strings.TrimSpace(value))
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("cannot convert empty value to decimal")
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("cannot convert %q to a monetary decimal", value)
	}
	return d, nil
}

// toDate tries the known layouts in order. Unparseable dates are nil,
// never an error.
func toDate(value string) *time.Time {
	s := strings.TrimSpace(value)
	switch strings.ToLower(s) {
	case "", "nan", "nat", "none", "null", "n/a":
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// cleanStr strips a cell and maps placeholder junk to empty.
func cleanStr(value string) string {
	s := strings.TrimSpace(value)
	switch strings.ToLower(s) {
	case "nan", "none", "n/a", "null":
		return ""
	}
	return s
}

// truncateText bounds s to at most n bytes without splitting a rune.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
