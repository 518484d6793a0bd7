package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/IliaW/doc-harvester/config"
	"github.com/IliaW/doc-harvester/internal/archive"
	"github.com/IliaW/doc-harvester/internal/cache"
	"github.com/IliaW/doc-harvester/internal/guard"
	"github.com/IliaW/doc-harvester/internal/model"
)

const (
	invalidUrlMsg      = "Invalid URL provided"
	noRootDomainMsg    = "Could not determine root domain from URL"
	invalidBodyMsg     = "Invalid request body"
	tooManyRequestsMsg = "Too many requests"
	internalErrorMsg   = "Internal Server Error"
)

type PageScanner interface {
	Scan(ctx context.Context, targetUrl string, root string) []model.DiscoveredDocument
}

type ArchiveStreamer interface {
	Stream(ctx context.Context, req model.ArchiveRequest) *archive.Stream
}

type Server struct {
	Scanner     PageScanner
	Archiver    ArchiveStreamer
	Cache       cache.ThresholdClient
	RootPolicy  guard.RootPolicy
	RateLimiter *rate.Limiter
	ArchiveCfg  *config.ArchiveConfig
	Cfg         *config.HttpServerConfig
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
	r.Route("/api", func(r chi.Router) {
		if s.RateLimiter != nil {
			r.Use(rateLimit(s.RateLimiter))
		}
		r.Post("/scan", s.scan)
		r.Post("/download", s.download)
	})

	return r
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	var req model.ScanRequest
	if err := s.decode(w, r, &req); err != nil {
		slog.Debug("failed to decode scan request.", slog.String("err", err.Error()))
		writeError(w, http.StatusBadRequest, invalidUrlMsg)
		return
	}

	target, root, err := guard.ResolveTarget(req.URL, s.RootPolicy)
	if err != nil {
		if errors.Is(err, model.NoRootDomainError) {
			writeError(w, http.StatusBadRequest, noRootDomainMsg)
			return
		}
		writeError(w, http.StatusBadRequest, invalidUrlMsg)
		return
	}
	if !s.allowDomain(w, root) {
		return
	}

	slog.Info("starting scan.", slog.String("url", target), slog.String("allowed", "*."+root))
	docs := s.Scanner.Scan(r.Context(), target, root)
	writeJSON(w, http.StatusOK, &model.ScanResult{
		Success:       true,
		ScannedURL:    target,
		AllowedDomain: root,
		Found:         len(docs),
		Documents:     docs,
	})
}

// download streams the archive. Nothing is written until the first archive bytes are ready, so setup
// failures still get a JSON error. After that a failure can only abort the connection.
func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	var req model.ArchiveRequest
	if err := s.decode(w, r, &req); err != nil {
		slog.Debug("failed to decode archive request.", slog.String("err", err.Error()))
		writeError(w, http.StatusBadRequest, invalidBodyMsg)
		return
	}
	if err := archive.Validate(&req, s.ArchiveCfg.MaxDocuments); err != nil {
		slog.Warn("invalid archive request.", slog.String("err", err.Error()))
		writeError(w, http.StatusBadRequest, invalidBodyMsg)
		return
	}
	if !s.allowDomain(w, guard.NormalizeRoot(req.SourceDomain)) {
		return
	}

	stream := s.Archiver.Stream(r.Context(), req)
	defer stream.Close()

	buf := make([]byte, 32*1024)
	n, err := stream.Read(buf)
	if n == 0 && err != nil {
		slog.Error("archive failed before streaming.", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, internalErrorMsg)
		return
	}

	filename := s.ArchiveCfg.FilenamePrefix + archive.SanitizeTitle(req.SourceDomain) + ".zip"
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	for {
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				slog.Warn("client went away during archive download.", slog.String("err", werr.Error()))
				return
			}
			if ferr := rc.Flush(); ferr != nil {
				slog.Debug("response flush is not supported.", slog.String("err", ferr.Error()))
			}
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			slog.Error("archive aborted after streaming started.", slog.String("err", err.Error()))
			// the consumer must see a broken transfer, not a clean end of a truncated zip
			panic(http.ErrAbortHandler)
		}
		n, err = stream.Read(buf)
	}
}

// allowDomain applies the per-domain threshold. A cache outage is logged and does not block requests.
func (s *Server) allowDomain(w http.ResponseWriter, root string) bool {
	if s.Cache == nil {
		return true
	}
	err := s.Cache.IncrementThreshold(root)
	if errors.Is(err, cache.ThresholdReachedError) {
		writeError(w, http.StatusTooManyRequests, tooManyRequestsMsg)
		return false
	}
	if err != nil {
		slog.Error("failed to check the domain threshold.", slog.String("domain", root),
			slog.String("err", err.Error()))
	}
	return true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := r.Body
	if s.Cfg != nil && s.Cfg.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxBodyBytes)
	}
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return model.EmptyRequestError
		}
		return err
	}
	return nil
}

func rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				slog.Warn("request rejected by rate limiter.", slog.String("path", r.URL.Path))
				writeError(w, http.StatusTooManyRequests, tooManyRequestsMsg)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			slog.Debug("request served.",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)))
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response.", slog.String("err", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, &model.ErrorResponse{Error: msg})
}
