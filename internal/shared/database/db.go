package database

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

//go:embed schema.sql
var schemaSQL string

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DB struct {
	conn   *sql.DB
	driver string
}

// New opens the store for the given driver and applies the schema
func New(driver, dsn string) (*DB, error) {
	var (
		conn *sql.DB
		err  error
	)

	switch driver {
	case DriverPostgres:
		conn, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(10)
		conn.SetConnMaxLifetime(5 * time.Minute)

	case DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		conn, err = sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// SQLite works best with a single writer
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(time.Hour)

	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{conn: conn, driver: driver}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// rebind rewrites ? placeholders into $n for postgres
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// HashKey returns the stored representation of a raw API key
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// ListModels returns every active model ordered by name
func (db *DB) ListModels(ctx context.Context) ([]models.Model, error) {
	query := `
		SELECT id, name, provider, model_path, endpoint, base_url, auth_token,
		       max_context_length, default_temperature, default_max_tokens,
		       always_warm, is_active, created_at, updated_at
		FROM models
		WHERE is_active = ?
		ORDER BY name
	`

	rows, err := db.conn.QueryContext(ctx, db.rebind(query), true)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var result []models.Model
	for rows.Next() {
		var m models.Model
		var provider string
		if err := rows.Scan(
			&m.ID,
			&m.Name,
			&provider,
			&m.ModelPath,
			&m.Endpoint,
			&m.BaseURL,
			&m.AuthToken,
			&m.MaxContextLength,
			&m.DefaultTemperature,
			&m.DefaultMaxTokens,
			&m.AlwaysWarm,
			&m.IsActive,
			&m.CreatedAt,
			&m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		m.Provider = models.ProviderKind(provider)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return result, nil
}

// CreateModel inserts a model record, filling id and timestamps when unset
func (db *DB) CreateModel(ctx context.Context, m *models.Model) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	query := `
		INSERT INTO models (
			id, name, provider, model_path, endpoint, base_url, auth_token,
			max_context_length, default_temperature, default_max_tokens,
			always_warm, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.conn.ExecContext(ctx, db.rebind(query),
		m.ID,
		m.Name,
		string(m.Provider),
		m.ModelPath,
		m.Endpoint,
		m.BaseURL,
		m.AuthToken,
		m.MaxContextLength,
		m.DefaultTemperature,
		m.DefaultMaxTokens,
		m.AlwaysWarm,
		m.IsActive,
		m.CreatedAt,
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create model %s: %w", m.Name, err)
	}
	return nil
}

// GetAPIKeyByHash looks a key up by its hash. Returns nil, nil when absent.
func (db *DB) GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	query := `
		SELECT id, name, key_hash, key_prefix, is_active, rate_limit_per_minute,
		       rate_limit_per_hour, total_requests, total_tokens, last_used_at, created_at
		FROM api_keys
		WHERE key_hash = ?
	`

	var apiKey models.APIKey
	var lastUsed sql.NullTime
	err := db.conn.QueryRowContext(ctx, db.rebind(query), keyHash).Scan(
		&apiKey.ID,
		&apiKey.Name,
		&apiKey.KeyHash,
		&apiKey.KeyPrefix,
		&apiKey.IsActive,
		&apiKey.RateLimitPerMinute,
		&apiKey.RateLimitPerHour,
		&apiKey.TotalRequests,
		&apiKey.TotalTokens,
		&lastUsed,
		&apiKey.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if lastUsed.Valid {
		t := lastUsed.Time
		apiKey.LastUsedAt = &t
	}

	return &apiKey, nil
}

// CreateAPIKey generates a new secret, stores its hash and returns the raw
// secret. The raw value is not recoverable afterwards.
func (db *DB) CreateAPIKey(ctx context.Context, name string, perMinute, perHour int) (string, *models.APIKey, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("failed to generate key: %w", err)
	}
	rawKey := base64.RawURLEncoding.EncodeToString(buf)

	apiKey := &models.APIKey{
		ID:                 uuid.NewString(),
		Name:               name,
		KeyHash:            HashKey(rawKey),
		KeyPrefix:          rawKey[:8],
		IsActive:           true,
		RateLimitPerMinute: perMinute,
		RateLimitPerHour:   perHour,
		CreatedAt:          time.Now().UTC(),
	}

	query := `
		INSERT INTO api_keys (
			id, name, key_hash, key_prefix, is_active,
			rate_limit_per_minute, rate_limit_per_hour, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.conn.ExecContext(ctx, db.rebind(query),
		apiKey.ID,
		apiKey.Name,
		apiKey.KeyHash,
		apiKey.KeyPrefix,
		apiKey.IsActive,
		apiKey.RateLimitPerMinute,
		apiKey.RateLimitPerHour,
		apiKey.CreatedAt,
	)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create API key: %w", err)
	}

	return rawKey, apiKey, nil
}

// SetAPIKeyActive toggles a key's active flag
func (db *DB) SetAPIKeyActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE api_keys SET is_active = ? WHERE id = ?`
	_, err := db.conn.ExecContext(ctx, db.rebind(query), active, id)
	return err
}

type modelTotals struct {
	requests, errors, input, output int64
}

type keyTotals struct {
	requests, tokens int64
	lastUsed         time.Time
}

// InsertRequestLogs writes a batch of log entries and folds them into the
// per-key and per-model usage totals in one transaction
func (db *DB) InsertRequestLogs(ctx context.Context, entries []models.RequestLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert, err := tx.PrepareContext(ctx, db.rebind(`
		INSERT INTO request_logs (
			id, api_key_id, model, provider, stream, warmup, cache_hit, status,
			error_type, error_message, status_code, prompt_tokens, completion_tokens,
			total_tokens, latency_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer insert.Close()

	perModel := make(map[string]*modelTotals)
	perKey := make(map[string]*keyTotals)

	for _, e := range entries {
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		created := e.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		created = created.UTC()

		var keyID sql.NullString
		if e.APIKeyID != "" {
			keyID = sql.NullString{String: e.APIKeyID, Valid: true}
		}

		if _, err := insert.ExecContext(ctx,
			id,
			keyID,
			e.Model,
			string(e.Provider),
			e.Stream,
			e.Warmup,
			e.CacheHit,
			e.Status,
			e.ErrorType,
			e.ErrorMessage,
			e.StatusCode,
			e.PromptTokens,
			e.CompletionTokens,
			e.TotalTokens,
			e.LatencyMs,
			created,
		); err != nil {
			return fmt.Errorf("failed to insert request log: %w", err)
		}

		if e.Model != "" && e.Provider != "" {
			mt := perModel[e.Model]
			if mt == nil {
				mt = &modelTotals{}
				perModel[e.Model] = mt
			}
			mt.requests++
			if e.Status != models.StatusCompleted {
				mt.errors++
			}
			mt.input += int64(e.PromptTokens)
			mt.output += int64(e.CompletionTokens)
		}

		if e.APIKeyID != "" && e.Status == models.StatusCompleted {
			kt := perKey[e.APIKeyID]
			if kt == nil {
				kt = &keyTotals{}
				perKey[e.APIKeyID] = kt
			}
			kt.requests++
			kt.tokens += int64(e.TotalTokens)
			if created.After(kt.lastUsed) {
				kt.lastUsed = created
			}
		}
	}

	for name, mt := range perModel {
		query := `
			UPDATE models SET
				total_requests = total_requests + ?,
				total_errors = total_errors + ?,
				total_input_tokens = total_input_tokens + ?,
				total_output_tokens = total_output_tokens + ?
			WHERE name = ?
		`
		if _, err := tx.ExecContext(ctx, db.rebind(query), mt.requests, mt.errors, mt.input, mt.output, name); err != nil {
			return fmt.Errorf("failed to update model totals: %w", err)
		}
	}

	for id, kt := range perKey {
		query := `
			UPDATE api_keys SET
				total_requests = total_requests + ?,
				total_tokens = total_tokens + ?,
				last_used_at = ?
			WHERE id = ?
		`
		if _, err := tx.ExecContext(ctx, db.rebind(query), kt.requests, kt.tokens, kt.lastUsed, id); err != nil {
			return fmt.Errorf("failed to update key totals: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit request logs: %w", err)
	}
	return nil
}
