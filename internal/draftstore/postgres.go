package draftstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresDraftTableName   = "curriculum_drafts"
	postgresDefaultDraftKey  = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores drafts as rows keyed by draft_key, taken from the
// DSN's "draft_key" query parameter.
type PostgresBackend struct {
	dsn       string
	tableName string
	draftKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	connDSN, key, err := splitDraftKey(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresBackend{
		dsn:       connDSN,
		tableName: postgresDraftTableName,
		draftKey:  key,
		openDB:    sql.Open,
	}, nil
}

func splitDraftKey(dsn string) (string, string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	q := parsed.Query()
	key := strings.TrimSpace(q.Get("draft_key"))
	if key == "" {
		key = postgresDefaultDraftKey
	}
	q.Del("draft_key")
	parsed.RawQuery = q.Encode()
	return parsed.String(), key, nil
}

func (b *PostgresBackend) Load() (*Draft, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE draft_key = $1", postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.draftKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDraft([]byte(payload))
}

func (b *PostgresBackend) Save(draft *Draft) error {
	if draft == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := encodeDraft(draft)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (draft_key, course_id, snapshot, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (draft_key)
		DO UPDATE SET course_id = EXCLUDED.course_id, snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err = b.db.ExecContext(ctx, query, b.draftKey, draft.Document.Identity.ID, string(payload))
	return err
}

func (b *PostgresBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				draft_key TEXT PRIMARY KEY,
				course_id TEXT NOT NULL DEFAULT '',
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
