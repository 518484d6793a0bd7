package persistence

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"

	"github.com/IliaW/doc-harvester/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

type ArchiveRepository struct {
	db *sql.DB
}

func NewArchiveRepository(db *sql.DB) *ArchiveRepository {
	return &ArchiveRepository{db: db}
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// SaveArchive stores the outcome of one archive operation. Saving the same id twice keeps the latest outcome.
func (ar *ArchiveRepository) SaveArchive(ctx context.Context, r *model.ArchiveRecord) error {
	_, err := ar.db.ExecContext(ctx, `INSERT INTO doc_harvester.archive_audit
		(id, source_domain, requested, included, rejected, failed, status, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET included = EXCLUDED.included, rejected = EXCLUDED.rejected,
		failed = EXCLUDED.failed, status = EXCLUDED.status, error = EXCLUDED.error, finished_at = EXCLUDED.finished_at`,
		r.ID, r.SourceDomain, r.Requested, r.Included, r.Rejected, r.Failed, r.Status, r.Error, r.StartedAt, r.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert archive audit: %w", err)
	}
	slog.Debug("archive audit saved.", slog.String("archive_id", r.ID), slog.String("status", r.Status))
	return nil
}

// NoopStorage is used when no database is configured.
type NoopStorage struct{}

func (NoopStorage) SaveArchive(context.Context, *model.ArchiveRecord) error { return nil }
