package archive

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"

	"github.com/IliaW/doc-harvester/config"
	"github.com/IliaW/doc-harvester/internal/fetcher"
	"github.com/IliaW/doc-harvester/internal/guard"
	"github.com/IliaW/doc-harvester/internal/model"
	"github.com/IliaW/doc-harvester/internal/telemetry"
)

type Outcome int

const (
	Included Outcome = iota
	Rejected
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Included:
		return "included"
	case Rejected:
		return "rejected"
	default:
		return "failed"
	}
}

type DocumentFetcher interface {
	Fetch(ctx context.Context, url string, maxBytes int64) (*fetcher.Response, error)
}

// FailureReporter receives every document that could not be fetched.
type FailureReporter interface {
	SendUrlToDLQ(url string, err error)
}

type AuditStorage interface {
	SaveArchive(ctx context.Context, record *model.ArchiveRecord) error
}

// Result is the outcome of one requested item. Path is set for Included and Failed
// (the error entry) items.
type Result struct {
	Item    model.ArchiveItem
	Outcome Outcome
	Path    string
	Err     error
}

type Summary struct {
	ArchiveID    string
	SourceDomain string
	Results      []Result
	Requested    int
	Included     int
	Rejected     int
	Failed       int
	StartedAt    time.Time
	FinishedAt   time.Time
}

type Assembler struct {
	Fetcher DocumentFetcher
	Cfg     *config.ArchiveConfig
	Metrics *telemetry.ArchiveMetrics
	DLQ     FailureReporter
	Audit   AuditStorage
	Now     func() time.Time
}

// Assemble writes a zip archive of req.Documents to w, one item at a time and in input order.
// Items failing the domain guard are dropped without a trace; items that cannot be fetched become
// error entries. A manifest closes the archive. The returned error is operation-level only
// (cancellation, write or finalization failure) and means the archive on w is incomplete.
func (a *Assembler) Assemble(ctx context.Context, req model.ArchiveRequest, w io.Writer) (*Summary, error) {
	summary := &Summary{
		ArchiveID:    uuid.New().String(),
		SourceDomain: guard.NormalizeRoot(req.SourceDomain),
		Requested:    len(req.Documents),
		StartedAt:    a.now(),
	}
	if summary.SourceDomain == "" {
		return summary, model.NoRootDomainError
	}
	log := slog.With(slog.String("archive_id", summary.ArchiveID), slog.String("domain", summary.SourceDomain))
	log.Info("assembling archive.", slog.Int("documents", len(req.Documents)))

	zw := zip.NewWriter(w)
	level := a.Cfg.CompressionLevel
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = flate.DefaultCompression
	}
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	names := make(uniquePaths)
	for _, item := range req.Documents {
		if err := ctx.Err(); err != nil {
			return a.abort(ctx, summary, fmt.Errorf("archive cancelled: %w", err))
		}

		res, body := a.process(ctx, item, summary.SourceDomain)
		if err := ctx.Err(); err != nil {
			// the fetch failed because the consumer went away, not because of the document
			return a.abort(ctx, summary, fmt.Errorf("archive cancelled: %w", err))
		}

		switch res.Outcome {
		case Rejected:
			log.Warn("skipping off-domain document.", slog.String("url", item.URL))
			summary.Rejected++
			a.Metrics.RejectedCnt(1)
		case Failed:
			log.Error("failed to include document.", slog.String("url", item.URL),
				slog.String("err", res.Err.Error()))
			res.Path = names.claim(a.Cfg.ErrorDir + "/" + SanitizeTitle(item.Title) + "_error.txt")
			body = []byte(fmt.Sprintf("Failed to download: %s\nError: %s", item.URL, res.Err.Error()))
			summary.Failed++
			a.Metrics.FailedCnt(1)
			if a.DLQ != nil {
				a.DLQ.SendUrlToDLQ(item.URL, res.Err)
			}
		case Included:
			res.Path = names.claim(EntryPath(item, a.Cfg.UnknownYear, a.Cfg.UnknownType))
			summary.Included++
			a.Metrics.IncludedCnt(1)
		}

		if res.Outcome != Rejected {
			if err := a.writeEntry(zw, res.Path, body); err != nil {
				return a.abort(ctx, summary, err)
			}
		}
		summary.Results = append(summary.Results, res)
	}

	manifest, err := json.MarshalIndent(a.manifest(summary), "", "  ")
	if err != nil {
		return a.abort(ctx, summary, fmt.Errorf("marshal manifest: %w", err))
	}
	if err = a.writeEntry(zw, names.claim(a.Cfg.ManifestName), manifest); err != nil {
		return a.abort(ctx, summary, err)
	}
	if err = zw.Close(); err != nil {
		return a.abort(ctx, summary, fmt.Errorf("finalize archive: %w", err))
	}

	summary.FinishedAt = a.now()
	a.Metrics.CompletedCnt(1)
	a.saveAudit(ctx, summary, "completed", nil)
	log.Info("archive completed.", slog.Int("included", summary.Included),
		slog.Int("rejected", summary.Rejected), slog.Int("failed", summary.Failed))

	return summary, nil
}

func (a *Assembler) process(ctx context.Context, item model.ArchiveItem, root string) (Result, []byte) {
	res := Result{Item: item}
	if !guard.IsAllowed(item.URL, root) {
		res.Outcome = Rejected
		return res, nil
	}

	fetchCtx := fetcher.WithAllowedRoot(ctx, root)
	if a.Cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(fetchCtx, a.Cfg.FetchTimeout)
		defer cancel()
	}
	slog.Debug("fetching document.", slog.String("url", item.URL))
	resp, err := a.Fetcher.Fetch(fetchCtx, item.URL, a.Cfg.MaxDocumentBytes)
	if err != nil {
		res.Outcome = Failed
		res.Err = err
		return res, nil
	}

	res.Outcome = Included
	return res, resp.Body
}

// writeEntry flushes after every entry so the consumer receives each document as soon as it is written.
func (a *Assembler) writeEntry(zw *zip.Writer, name string, body []byte) error {
	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: a.now(),
	})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err = fw.Write(body); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	if err = zw.Flush(); err != nil {
		return fmt.Errorf("flush entry %s: %w", name, err)
	}
	return nil
}

// manifest reports the actual outcome of every requested item.
func (a *Assembler) manifest(s *Summary) *model.Manifest {
	m := &model.Manifest{
		ArchiveID:    s.ArchiveID,
		SourceDomain: s.SourceDomain,
		Timestamp:    s.StartedAt.UTC(),
		Documents:    make([]model.ManifestEntry, 0, len(s.Results)),
	}
	for _, r := range s.Results {
		entry := model.ManifestEntry{ArchiveItem: r.Item, Status: r.Outcome.String()}
		switch r.Outcome {
		case Included:
			entry.Path = r.Path
		case Failed:
			entry.Error = r.Err.Error()
		}
		m.Documents = append(m.Documents, entry)
	}
	return m
}

func (a *Assembler) abort(ctx context.Context, s *Summary, err error) (*Summary, error) {
	s.FinishedAt = a.now()
	a.Metrics.AbortedCnt(1)
	a.saveAudit(ctx, s, "aborted", err)
	if errors.Is(err, context.Canceled) {
		slog.Warn("archive aborted by the consumer.", slog.String("archive_id", s.ArchiveID))
	} else {
		slog.Error("archive aborted.", slog.String("archive_id", s.ArchiveID), slog.String("err", err.Error()))
	}
	return s, err
}

func (a *Assembler) saveAudit(ctx context.Context, s *Summary, status string, cause error) {
	if a.Audit == nil {
		return
	}
	record := &model.ArchiveRecord{
		ID:           s.ArchiveID,
		SourceDomain: s.SourceDomain,
		Requested:    s.Requested,
		Included:     s.Included,
		Rejected:     s.Rejected,
		Failed:       s.Failed,
		Status:       status,
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
	}
	if cause != nil {
		record.Error = cause.Error()
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.Audit.SaveArchive(auditCtx, record); err != nil {
		slog.Error("failed to save archive audit record.", slog.String("archive_id", s.ArchiveID),
			slog.String("err", err.Error()))
	}
}

func (a *Assembler) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}
