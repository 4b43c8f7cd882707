// Package db persists bots, sources and bot embeddings in Postgres with the
// pgvector extension, through pgx's database/sql driver.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/logger"
	"github.com/markdave123-py/botforge/internal/models"
)

var (
	_ core.DbClient    = (*DatabaseClient)(nil)
	_ core.VectorStore = (*DatabaseClient)(nil)
)

type DatabaseClient struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDatabaseClient opens the pool, pings it and bootstraps the schema. When
// sslCertPath is set the connection verifies the server against that CA.
func NewDatabaseClient(ctx context.Context, databaseURL, sslCertPath string) (*DatabaseClient, error) {
	if databaseURL == "" {
		return nil, core.E(core.ErrConfiguration, "db.NewDatabaseClient", "DATABASE_URL is empty", nil)
	}
	dsn, err := withSSL(databaseURL, sslCertPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	l := logger.WithComponent("database")
	if err := EnsureBootstrapped(ctx, db, l); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return &DatabaseClient{db: db, logger: l}, nil
}

func withSSL(databaseURL, certPath string) (string, error) {
	if certPath == "" {
		return databaseURL, nil
	}
	if _, err := os.Stat(certPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", certPath, err)
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", certPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping reports whether the pool can reach the server.
func (c *DatabaseClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Bots

func (c *DatabaseClient) GetBot(ctx context.Context, id string) (*models.Bot, error) {
	const q = `SELECT id, name, created_at, updated_at FROM bots WHERE id = $1`
	var b models.Bot
	err := c.db.QueryRowContext(ctx, q, id).Scan(&b.ID, &b.Name, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *DatabaseClient) GetBotConfig(ctx context.Context, botID string) (*models.BotConfig, error) {
	const q = `
		SELECT bot_id, embedding_provider, adaptive_chunking, updated_at
		FROM bot_configs WHERE bot_id = $1
	`
	var bc models.BotConfig
	err := c.db.QueryRowContext(ctx, q, botID).Scan(&bc.BotID, &bc.EmbeddingProvider, &bc.AdaptiveChunking, &bc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bc, nil
}

// Documents

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	const q = `
		INSERT INTO documents
			(id, bot_id, file_name, storage_key, content_type, status, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, COALESCE($7, now()), COALESCE($8, now()))
	`
	_, err := c.db.ExecContext(ctx, q,
		doc.ID, doc.BotID, doc.FileName, doc.StorageKey, doc.ContentType, doc.Status, nullTime(doc.CreatedAt), nullTime(doc.UpdatedAt))
	return err
}

const documentColumns = `id, bot_id, file_name, storage_key, content_type, status, content_ref, error, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (models.Document, error) {
	var d models.Document
	err := row.Scan(&d.ID, &d.BotID, &d.FileName, &d.StorageKey, &d.ContentType, &d.Status, &d.ContentRef, &d.Error, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	d, err := scanDocument(c.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDocumentsByBot returns the bot's documents, newest first. An empty
// status matches every status.
func (c *DatabaseClient) ListDocumentsByBot(ctx context.Context, botID string, status models.SourceStatus) ([]models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE bot_id = $1 AND ($2 = '' OR status = $2) ORDER BY created_at DESC`
	rows, err := c.db.QueryContext(ctx, q, botID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Websites

func (c *DatabaseClient) CreateWebsite(ctx context.Context, site *models.Website) error {
	if site == nil {
		return errors.New("nil website")
	}
	const q = `
		INSERT INTO websites (id, bot_id, url, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()), COALESCE($6, now()))
	`
	_, err := c.db.ExecContext(ctx, q,
		site.ID, site.BotID, site.URL, site.Status, nullTime(site.CreatedAt), nullTime(site.UpdatedAt))
	return err
}

const websiteColumns = `id, bot_id, url, status, content_ref, error, last_scraped, created_at, updated_at`

func scanWebsite(row interface{ Scan(...any) error }) (models.Website, error) {
	var (
		w           models.Website
		lastScraped sql.NullTime
	)
	err := row.Scan(&w.ID, &w.BotID, &w.URL, &w.Status, &w.ContentRef, &w.Error, &lastScraped, &w.CreatedAt, &w.UpdatedAt)
	if lastScraped.Valid {
		t := lastScraped.Time
		w.LastScraped = &t
	}
	return w, err
}

func (c *DatabaseClient) GetWebsiteByID(ctx context.Context, id string) (*models.Website, error) {
	w, err := scanWebsite(c.db.QueryRowContext(ctx, `SELECT `+websiteColumns+` FROM websites WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (c *DatabaseClient) ListWebsitesByBot(ctx context.Context, botID string, status models.SourceStatus) ([]models.Website, error) {
	q := `SELECT ` + websiteColumns + ` FROM websites WHERE bot_id = $1 AND ($2 = '' OR status = $2) ORDER BY created_at DESC`
	rows, err := c.db.QueryContext(ctx, q, botID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Website
	for rows.Next() {
		w, err := scanWebsite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateSourceStatus writes one status transition. An empty ContentRef keeps
// the stored reference; Error is always overwritten so a completed source
// drops any earlier failure text.
func (c *DatabaseClient) UpdateSourceStatus(ctx context.Context, upd models.StatusUpdate) error {
	var (
		res sql.Result
		err error
	)
	switch upd.SourceType {
	case models.SourceDocument:
		res, err = c.db.ExecContext(ctx, `
			UPDATE documents
			SET status = $2,
			    content_ref = COALESCE(NULLIF($3, ''), content_ref),
			    error = $4,
			    updated_at = now()
			WHERE id = $1`,
			upd.SourceID, upd.Status, upd.ContentRef, upd.Error)
	case models.SourceWebsite:
		res, err = c.db.ExecContext(ctx, `
			UPDATE websites
			SET status = $2,
			    content_ref = COALESCE(NULLIF($3, ''), content_ref),
			    error = $4,
			    last_scraped = COALESCE($5, last_scraped),
			    updated_at = now()
			WHERE id = $1`,
			upd.SourceID, upd.Status, upd.ContentRef, upd.Error, upd.LastScraped)
	default:
		return fmt.Errorf("unknown source type %q", upd.SourceType)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.ErrNotFound, "db.UpdateSourceStatus", fmt.Sprintf("%s %s", upd.SourceType, upd.SourceID), nil)
	}
	return nil
}

// Embeddings

// UpsertEmbeddings writes records in one transaction, replacing any row with
// the same (bot_id, chunk_id).
func (c *DatabaseClient) UpsertEmbeddings(ctx context.Context, records []models.EmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO bot_embeddings
			(bot_id, chunk_id, source_id, source_type, chunk_index, content, metadata, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()))
		ON CONFLICT (bot_id, chunk_id) DO UPDATE SET
			source_id = EXCLUDED.source_id,
			source_type = EXCLUDED.source_type,
			chunk_index = EXCLUDED.chunk_index,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			created_at = EXCLUDED.created_at
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		md, err := json.Marshal(r.Metadata)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode metadata for %s: %w", r.ChunkID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			r.BotID, r.ChunkID, r.SourceID, string(r.SourceType), r.ChunkIndex, r.Content, md,
			pgvector.NewVector(r.Embedding), nullTime(r.CreatedAt),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) DeleteBotEmbeddings(ctx context.Context, botID string) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM bot_embeddings WHERE bot_id = $1`, botID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *DatabaseClient) DeleteSourceEmbeddings(ctx context.Context, botID, sourceID string) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM bot_embeddings WHERE bot_id = $1 AND source_id = $2`, botID, sourceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *DatabaseClient) CountBotEmbeddings(ctx context.Context, botID string) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM bot_embeddings WHERE bot_id = $1`, botID).Scan(&n)
	return n, err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
