package scanner

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"path"
	"time"

	"github.com/IliaW/doc-harvester/internal/classifier"
	"github.com/IliaW/doc-harvester/internal/fetcher"
	"github.com/IliaW/doc-harvester/internal/guard"
	"github.com/IliaW/doc-harvester/internal/model"
	"github.com/IliaW/doc-harvester/internal/telemetry"
)

type PageFetcher interface {
	Fetch(ctx context.Context, url string, maxBytes int64) (*fetcher.Response, error)
}

type Scanner struct {
	Fetcher      PageFetcher
	Classifier   *classifier.Classifier
	PageTimeout  time.Duration
	MaxPageBytes int64
	Metrics      *telemetry.ScanMetrics
}

// Scan fetches targetUrl and returns the admitted document links on it, deduplicated by URL in
// encounter order. It never fails: a page that cannot be fetched or parsed yields no documents.
func (s *Scanner) Scan(ctx context.Context, targetUrl string, root string) []model.DiscoveredDocument {
	slog.Info("scanning page.", slog.String("url", targetUrl), slog.String("root", root))

	base, err := url.Parse(targetUrl)
	if err != nil {
		slog.Warn("failed to parse the page url.", slog.String("url", targetUrl),
			slog.String("err", err.Error()))
		s.Metrics.ScanFailCnt(1)
		return []model.DiscoveredDocument{}
	}

	if s.PageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.PageTimeout)
		defer cancel()
	}
	resp, err := s.Fetcher.Fetch(fetcher.WithAllowedRoot(ctx, root), targetUrl, s.MaxPageBytes)
	if err != nil {
		slog.Warn("failed to fetch the page.", slog.String("url", targetUrl), slog.String("err", err.Error()))
		s.Metrics.ScanFailCnt(1)
		return []model.DiscoveredDocument{}
	}

	links, err := ExtractLinks(bytes.NewReader(resp.Body), resp.ContentType, base)
	if err != nil {
		slog.Warn("failed to extract links.", slog.String("url", targetUrl), slog.String("err", err.Error()))
		s.Metrics.ScanFailCnt(1)
		return []model.DiscoveredDocument{}
	}

	docs := s.Filter(links, targetUrl, root)
	slog.Info("page scanned.", slog.String("url", targetUrl), slog.Int("links", len(links)),
		slog.Int("documents", len(docs)))
	s.Metrics.ScanSuccessCnt(1)
	s.Metrics.DocumentsFoundCnt(int64(len(docs)))

	return docs
}

// Filter applies the domain guard, the extension check and classification to links.
func (s *Scanner) Filter(links []Link, sourcePage string, root string) []model.DiscoveredDocument {
	docs := make([]model.DiscoveredDocument, 0)
	seen := make(map[string]struct{})
	for _, link := range links {
		if !guard.IsAllowed(link.URL, root) {
			continue
		}
		if !s.Classifier.LooksLikeDocument(link.URL) {
			continue
		}
		if _, ok := seen[link.URL]; ok {
			continue
		}
		seen[link.URL] = struct{}{}

		docType, year := classifier.Classify(link.Text, link.URL)
		docs = append(docs, model.DiscoveredDocument{
			Title:      title(link),
			URL:        link.URL,
			Year:       year,
			Type:       docType,
			SourcePage: sourcePage,
		})
	}

	return docs
}

func title(link Link) string {
	if link.Text != "" {
		return link.Text
	}
	if u, err := url.Parse(link.URL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			return base
		}
	}
	return "Untitled"
}
