package regulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mapaq-intel/sanirisk/internal/api"
)

// Error taxonomy for the regulation surface.
var (
	// ErrDuplicateRegulation is returned when adding a regulation whose ID
	// already exists. The existing record is left untouched.
	ErrDuplicateRegulation = errors.New("regulation id already exists")

	// ErrInvalidWeight is returned for impact weights ≤ 0.
	ErrInvalidWeight = errors.New("impact weight must be positive")

	// ErrCorruptConfiguration is returned when a persisted regulation
	// configuration fails structural validation on load.
	ErrCorruptConfiguration = errors.New("corrupt regulation configuration")

	// ErrNotFound is returned by lookups for unknown regulation IDs.
	ErrNotFound = errors.New("regulation not found")
)

// Store owns the set of RegulationRecords. Implementations must keep
// insertion order for records sharing an effective date so the timeline
// stays stable, and must persist mutations.
type Store interface {
	// List returns all records sorted by effective date ascending,
	// insertion order preserved for equal dates.
	List(ctx context.Context) ([]api.RegulationRecord, error)

	// Get returns the record with the given ID, or ErrNotFound.
	Get(ctx context.Context, id string) (api.RegulationRecord, error)

	// Add inserts a new record. Returns ErrDuplicateRegulation if the ID
	// exists and ErrInvalidWeight for non-positive weights.
	Add(ctx context.Context, rec api.RegulationRecord) error

	// Update replaces an existing record in place (timeline position for
	// equal dates is recomputed from the new effective date).
	Update(ctx context.Context, rec api.RegulationRecord) error

	// Close releases resources.
	Close() error
}

func validateRecord(rec api.RegulationRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("regulation id is required")
	}
	if rec.ImpactWeight <= 0 {
		return fmt.Errorf("%w: %.4f", ErrInvalidWeight, rec.ImpactWeight)
	}
	if rec.EffectiveDate.IsZero() {
		return fmt.Errorf("effective date is required")
	}
	return nil
}

// sortTimeline orders records by effective date ascending, preserving the
// relative order of records with equal dates.
func sortTimeline(recs []api.RegulationRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].EffectiveDate.Before(recs[j].EffectiveDate)
	})
}

// fileDocument is the on-disk layout of the regulation configuration.
type fileDocument struct {
	Regulations []api.RegulationRecord `json:"regulations"`
	Metadata    fileMetadata           `json:"metadata"`
}

type fileMetadata struct {
	LastUpdated string `json:"last_updated,omitempty"`
	Source      string `json:"source,omitempty"`
}

// FileStore keeps regulations in memory with a JSON file behind it.
type FileStore struct {
	mu       sync.RWMutex
	path     string
	records  []api.RegulationRecord // insertion order
	byID     map[string]int
	metadata fileMetadata
}

// NewFileStore loads the configuration at path. A missing file yields an
// empty store. A structurally invalid file returns ErrCorruptConfiguration;
// callers that treat temporal adjustment as best-effort may fall back to
// NewEmptyFileStore.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, byID: make(map[string]int)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("failed to read regulation configuration: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptConfiguration, err)
	}
	for _, rec := range doc.Regulations {
		if err := validateRecord(rec); err != nil {
			return nil, fmt.Errorf("%w: record %q: %v", ErrCorruptConfiguration, rec.ID, err)
		}
		if _, dup := fs.byID[rec.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrCorruptConfiguration, rec.ID)
		}
		fs.byID[rec.ID] = len(fs.records)
		fs.records = append(fs.records, rec)
	}
	fs.metadata = doc.Metadata
	return fs, nil
}

// NewEmptyFileStore creates a store with no regulations that will persist
// to path on the first mutation.
func NewEmptyFileStore(path string) *FileStore {
	return &FileStore{path: path, byID: make(map[string]int)}
}

func (fs *FileStore) List(ctx context.Context) ([]api.RegulationRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]api.RegulationRecord, len(fs.records))
	copy(out, fs.records)
	sortTimeline(out)
	return out, nil
}

func (fs *FileStore) Get(ctx context.Context, id string) (api.RegulationRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	i, ok := fs.byID[id]
	if !ok {
		return api.RegulationRecord{}, ErrNotFound
	}
	return fs.records[i], nil
}

func (fs *FileStore) Add(ctx context.Context, rec api.RegulationRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, exists := fs.byID[rec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRegulation, rec.ID)
	}
	fs.byID[rec.ID] = len(fs.records)
	fs.records = append(fs.records, rec)
	return fs.saveLocked()
}

func (fs *FileStore) Update(ctx context.Context, rec api.RegulationRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	i, ok := fs.byID[rec.ID]
	if !ok {
		return ErrNotFound
	}
	fs.records[i] = rec
	return fs.saveLocked()
}

// Save persists the current state.
func (fs *FileStore) Save() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.saveLocked()
}

// saveLocked writes the JSON document. Caller must hold fs.mu.
func (fs *FileStore) saveLocked() error {
	if fs.path == "" {
		return nil
	}
	fs.metadata.LastUpdated = time.Now().Format("2006-01-02")
	doc := fileDocument{Regulations: fs.records, Metadata: fs.metadata}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fs.path, data, 0600)
}

func (fs *FileStore) Close() error {
	return fs.Save()
}

// RedisStore keeps regulations in a Redis hash keyed by regulation ID, with
// a separate list preserving insertion order for stable timelines.
type RedisStore struct {
	client *redis.Client
}

const (
	redisHashKey  = "regulations:records"
	redisOrderKey = "regulations:order"
)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) List(ctx context.Context) ([]api.RegulationRecord, error) {
	ids, err := r.client.LRange(ctx, redisOrderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE failed: %w", err)
	}

	recs := make([]api.RegulationRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		recs = append(recs, rec)
	}
	sortTimeline(recs)
	return recs, nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (api.RegulationRecord, error) {
	data, err := r.client.HGet(ctx, redisHashKey, id).Result()
	if err == redis.Nil {
		return api.RegulationRecord{}, ErrNotFound
	}
	if err != nil {
		return api.RegulationRecord{}, fmt.Errorf("redis HGET failed: %w", err)
	}

	var rec api.RegulationRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return api.RegulationRecord{}, fmt.Errorf("%w: %v", ErrCorruptConfiguration, err)
	}
	return rec, nil
}

func (r *RedisStore) Add(ctx context.Context, rec api.RegulationRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	// HSETNX gives atomic first-write-wins on the ID.
	wasSet, err := r.client.HSetNX(ctx, redisHashKey, rec.ID, data).Result()
	if err != nil {
		return fmt.Errorf("redis HSETNX failed: %w", err)
	}
	if !wasSet {
		return fmt.Errorf("%w: %s", ErrDuplicateRegulation, rec.ID)
	}
	if err := r.client.RPush(ctx, redisOrderKey, rec.ID).Err(); err != nil {
		return fmt.Errorf("redis RPUSH failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Update(ctx context.Context, rec api.RegulationRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	exists, err := r.client.HExists(ctx, redisHashKey, rec.ID).Result()
	if err != nil {
		return fmt.Errorf("redis HEXISTS failed: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, redisHashKey, rec.ID, data).Err(); err != nil {
		return fmt.Errorf("redis HSET failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// PostgresStore keeps regulations in Postgres.
//
// Schema:
//
//	CREATE TABLE regulations (
//	  id TEXT PRIMARY KEY,
//	  name TEXT NOT NULL,
//	  effective_date DATE NOT NULL,
//	  description TEXT,
//	  impact_weight DOUBLE PRECISION NOT NULL CHECK (impact_weight > 0),
//	  inserted_at TIMESTAMPTZ DEFAULT NOW(),
//	  seq BIGSERIAL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and verifies the connection.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]api.RegulationRecord, error) {
	// seq breaks ties so equal effective dates keep insertion order.
	query := `
		SELECT id, name, effective_date, COALESCE(description, ''), impact_weight
		FROM regulations
		ORDER BY effective_date, seq
	`
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	var recs []api.RegulationRecord
	for rows.Next() {
		var rec api.RegulationRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.EffectiveDate, &rec.Description, &rec.ImpactWeight); err != nil {
			return nil, fmt.Errorf("failed to scan regulation row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres row iteration failed: %w", err)
	}
	return recs, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (api.RegulationRecord, error) {
	query := `
		SELECT id, name, effective_date, COALESCE(description, ''), impact_weight
		FROM regulations
		WHERE id = $1
	`
	var rec api.RegulationRecord
	err := p.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.Name, &rec.EffectiveDate, &rec.Description, &rec.ImpactWeight,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return api.RegulationRecord{}, ErrNotFound
	}
	if err != nil {
		return api.RegulationRecord{}, fmt.Errorf("postgres query failed: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) Add(ctx context.Context, rec api.RegulationRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	query := `
		INSERT INTO regulations (id, name, effective_date, description, impact_weight)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := p.pool.Exec(ctx, query, rec.ID, rec.Name, rec.EffectiveDate, rec.Description, rec.ImpactWeight)
	if err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateRegulation, rec.ID)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, rec api.RegulationRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	query := `
		UPDATE regulations
		SET name = $2, effective_date = $3, description = $4, impact_weight = $5
		WHERE id = $1
	`
	tag, err := p.pool.Exec(ctx, query, rec.ID, rec.Name, rec.EffectiveDate, rec.Description, rec.ImpactWeight)
	if err != nil {
		return fmt.Errorf("postgres update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
