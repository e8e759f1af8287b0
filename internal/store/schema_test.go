package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Contracted rates can be sub-cent (a 0.625/mile mileage rate); a
// two-digit scale would round them at insert and quantity x rate would
// drift past the rate tolerance. Raw amounts and quantities carry the
// same scale so extracted values round-trip unchanged.
func TestSchemaDecimalColumnsKeepSubCentPrecision(t *testing.T) {
	for _, column := range []string{
		"contracted_rate NUMERIC(12,4) NOT NULL",
		"max_units NUMERIC(10,4)",
		"raw_amount NUMERIC(12,4) NOT NULL",
		"raw_quantity NUMERIC(10,4) NOT NULL",
		"mapped_rate NUMERIC(12,4)",
		"expected_amount NUMERIC(12,4)",
	} {
		assert.Contains(t, schema, column)
	}
}
