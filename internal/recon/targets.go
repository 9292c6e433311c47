package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fdcsuite/ledgercore/internal/common"
	"github.com/fdcsuite/ledgercore/internal/model"
)

// CSVTargetSource serves candidate records from an exported CSV snapshot
// of the external stores. Expected columns:
//
//	id,type,date,amount,reference,payee,category,gst_included,has_attachment
//
// Dates are YYYY-MM-DD. The whole file is held in memory; exports are
// per-client and small.
type CSVTargetSource struct {
	records []model.TargetRecord
}

// LoadCSVTargets reads a target export file.
func LoadCSVTargets(path string) (*CSVTargetSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open target file: %w", err)
	}
	defer func() { _ = f.Close() }()

	src, err := ParseCSVTargets(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return src, nil
}

// ParseCSVTargets parses a target export from r.
func ParseCSVTargets(r io.Reader) (*CSVTargetSource, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 9
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if !strings.EqualFold(header[0], "id") {
		return nil, common.NewValidationError("header", "first column must be id")
	}

	var records []model.TargetRecord
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		record, err := parseTargetRow(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, record)
	}

	return &CSVTargetSource{records: records}, nil
}

func parseTargetRow(row []string) (model.TargetRecord, error) {
	targetType := model.TargetType(strings.ToUpper(strings.TrimSpace(row[1])))
	if !targetType.Valid() {
		return model.TargetRecord{}, common.NewValidationError("type", "unrecognised target type "+row[1])
	}

	date, err := time.Parse("2006-01-02", strings.TrimSpace(row[2]))
	if err != nil {
		return model.TargetRecord{}, common.NewValidationError("date", err.Error())
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(row[3]))
	if err != nil {
		return model.TargetRecord{}, common.NewValidationError("amount", err.Error())
	}

	gst, err := parseBool(row[7])
	if err != nil {
		return model.TargetRecord{}, common.NewValidationError("gst_included", err.Error())
	}
	attachment, err := parseBool(row[8])
	if err != nil {
		return model.TargetRecord{}, common.NewValidationError("has_attachment", err.Error())
	}

	return model.TargetRecord{
		ID:            strings.TrimSpace(row[0]),
		Type:          targetType,
		Date:          date,
		Amount:        amount,
		Reference:     strings.TrimSpace(row[4]),
		Payee:         strings.TrimSpace(row[5]),
		CategoryCode:  strings.TrimSpace(row[6]),
		GSTIncluded:   gst,
		HasAttachment: attachment,
	}, nil
}

func parseBool(s string) (bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

// Targets returns the loaded records of the given type within the window.
func (s *CSVTargetSource) Targets(_ context.Context, _ string, targetType model.TargetType, from, to time.Time) ([]model.TargetRecord, error) {
	var out []model.TargetRecord
	for _, r := range s.records {
		if r.Type != targetType {
			continue
		}
		if r.Date.Before(from) || r.Date.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Len reports how many records were loaded.
func (s *CSVTargetSource) Len() int {
	return len(s.records)
}
