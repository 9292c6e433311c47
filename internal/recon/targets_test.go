package recon

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdcsuite/ledgercore/internal/model"
)

const sampleTargets = `id,type,date,amount,reference,payee,category,gst_included,has_attachment
rcpt-1,RECEIPT,2026-03-10,45.00,inv 8812,WOOLWORTHS METRO,GROCERIES,true,true
bank-1,BANK,2026-03-11,-45.00,EFTPOS 1123,WOOLWORTHS,,true,false
man-1,MANUAL,2026-03-20,12.50,,petty cash,,false,false
`

func TestParseCSVTargets(t *testing.T) {
	src, err := ParseCSVTargets(strings.NewReader(sampleTargets))
	require.NoError(t, err)
	assert.Equal(t, 3, src.Len())

	receipts, err := src.Targets(context.Background(), "client-1", model.TargetReceipt, day(8), day(12))
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, "rcpt-1", receipts[0].ID)
	assert.Equal(t, "GROCERIES", receipts[0].CategoryCode)
	assert.True(t, receipts[0].GSTIncluded)
	assert.True(t, receipts[0].Amount.Equal(amt("45.00")))

	// Window filtering excludes the late manual entry.
	manual, err := src.Targets(context.Background(), "client-1", model.TargetManual, day(8), day(12))
	require.NoError(t, err)
	assert.Empty(t, manual)
}

func TestParseCSVTargets_BadRows(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad type", "x,PIGEON,2026-03-10,1.00,,,,true,false\n"},
		{"bad date", "x,BANK,10/03/2026,1.00,,,,true,false\n"},
		{"bad amount", "x,BANK,2026-03-10,one dollar,,,,true,false\n"},
		{"bad bool", "x,BANK,2026-03-10,1.00,,,,maybe,false\n"},
	}
	header := "id,type,date,amount,reference,payee,category,gst_included,has_attachment\n"
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCSVTargets(strings.NewReader(header + tt.body))
			assert.Error(t, err)
		})
	}
}
