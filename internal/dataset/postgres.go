package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mapaq-intel/sanirisk/internal/api"
)

// Provider supplies validated labeled datasets to the engine.
type Provider interface {
	// Load returns the full labeled dataset in a stable order.
	Load(ctx context.Context) (Dataset, error)

	// Close releases resources.
	Close() error
}

// PostgresProvider loads labeled inspection records from Postgres.
//
// Schema:
//
//	CREATE TABLE inspections (
//	  id BIGSERIAL PRIMARY KEY,
//	  cuisine_type TEXT NOT NULL,
//	  staff_count INT NOT NULL,
//	  infractions_history INT NOT NULL,
//	  kitchen_size DOUBLE PRECISION NOT NULL,
//	  region TEXT NOT NULL,
//	  risk_level TEXT NOT NULL,
//	  inspection_date DATE
//	);
type PostgresProvider struct {
	pool *pgxpool.Pool
}

// NewPostgresProvider connects to Postgres and verifies the connection.
func NewPostgresProvider(ctx context.Context, connStr string) (*PostgresProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresProvider{pool: pool}, nil
}

// Load reads all inspection rows ordered by id so repeated loads yield the
// same record order (cross-validation folds depend on it).
func (p *PostgresProvider) Load(ctx context.Context) (Dataset, error) {
	query := `
		SELECT cuisine_type, staff_count, infractions_history,
		       kitchen_size, region, risk_level, inspection_date
		FROM inspections
		ORDER BY id
	`

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	var ds Dataset
	for rows.Next() {
		var rec Record
		var label string
		var date *time.Time
		if err := rows.Scan(
			&rec.CuisineType, &rec.StaffCount, &rec.InfractionsHistory,
			&rec.KitchenSize, &rec.Region, &label, &date,
		); err != nil {
			return nil, fmt.Errorf("failed to scan inspection row: %w", err)
		}
		level, err := api.ParseRiskLevel(label)
		if err != nil {
			return nil, err
		}
		rec.RiskLevel = level
		rec.InspectionDate = date
		ds = append(ds, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres row iteration failed: %w", err)
	}
	return ds, nil
}

// Close releases the connection pool.
func (p *PostgresProvider) Close() error {
	p.pool.Close()
	return nil
}

// FileProvider serves a CSV-backed dataset.
type FileProvider struct {
	path string
}

// NewFileProvider creates a provider over a CSV file.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Load parses the CSV file.
func (f *FileProvider) Load(ctx context.Context) (Dataset, error) {
	return LoadCSV(f.path)
}

// Close is a no-op for file providers.
func (f *FileProvider) Close() error { return nil }
