package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mapaq-intel/sanirisk/internal/api"
)

// Record is one labeled historical inspection. The ingestion pipeline is
// responsible for schema validation and row cleaning; the engine trusts
// records handed to it.
type Record struct {
	CuisineType        string
	StaffCount         int
	InfractionsHistory int
	KitchenSize        float64
	Region             string
	RiskLevel          api.RiskLevel
	InspectionDate     *time.Time
}

// Features returns the record's unlabeled feature vector.
func (r Record) Features() api.FeatureVector {
	return api.FeatureVector{
		CuisineType:        r.CuisineType,
		StaffCount:         r.StaffCount,
		InfractionsHistory: r.InfractionsHistory,
		KitchenSize:        r.KitchenSize,
		Region:             r.Region,
		InspectionDate:     r.InspectionDate,
	}
}

// Dataset is an ordered collection of labeled records. The engine never
// mutates a dataset; training and evaluation treat it as read-only input.
type Dataset []Record

// Len returns the number of records.
func (d Dataset) Len() int { return len(d) }

// columns of the validated tabular schema, in file order.
var columns = []string{
	"cuisine_type",
	"staff_count",
	"infractions_history",
	"kitchen_size",
	"region",
	"risk_level",
}

// LoadCSV reads a labeled dataset from a CSV file with the fixed schema
// (cuisine_type, staff_count, infractions_history, kitchen_size, region,
// risk_level). An optional trailing inspection_date column is accepted.
func LoadCSV(path string) (Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV parses a labeled dataset from CSV content.
func ReadCSV(r io.Reader) (Dataset, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, col := range columns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing column: %s", col)
		}
	}

	var ds Dataset
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", line, err)
		}

		rec, err := parseRow(row, idx)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		ds = append(ds, rec)
	}
	return ds, nil
}

func parseRow(row []string, idx map[string]int) (Record, error) {
	get := func(col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	staff, err := strconv.Atoi(get("staff_count"))
	if err != nil {
		return Record{}, fmt.Errorf("invalid staff_count: %w", err)
	}
	infractions, err := strconv.Atoi(get("infractions_history"))
	if err != nil {
		return Record{}, fmt.Errorf("invalid infractions_history: %w", err)
	}
	kitchen, err := strconv.ParseFloat(get("kitchen_size"), 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid kitchen_size: %w", err)
	}
	level, err := api.ParseRiskLevel(get("risk_level"))
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		CuisineType:        get("cuisine_type"),
		StaffCount:         staff,
		InfractionsHistory: infractions,
		KitchenSize:        kitchen,
		Region:             get("region"),
		RiskLevel:          level,
	}

	if raw := get("inspection_date"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return Record{}, fmt.Errorf("invalid inspection_date: %w", err)
		}
		rec.InspectionDate = &t
	}
	return rec, nil
}
