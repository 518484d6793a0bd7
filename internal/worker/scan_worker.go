package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/IliaW/doc-harvester/internal/cache"
	"github.com/IliaW/doc-harvester/internal/guard"
	"github.com/IliaW/doc-harvester/internal/model"
)

type PageScanner interface {
	Scan(ctx context.Context, targetUrl string, root string) []model.DiscoveredDocument
}

type DeadLetterQueue interface {
	SendUrlToDLQ(url string, err error)
}

// ScanWorker turns scan requests from SQS into discovery results for Kafka.
type ScanWorker struct {
	InputSqsChan    <-chan *string
	OutputSqsChan   chan<- *string
	OutputKafkaChan chan<- *model.ScanResult
	Scanner         PageScanner
	RateLimiter     *rate.Limiter
	RootPolicy      guard.RootPolicy
	Cache           cache.ThresholdClient
	KafkaDLQ        DeadLetterQueue
	Wg              *sync.WaitGroup
}

func (w *ScanWorker) Run() {
	defer w.Wg.Done()
	slog.Debug("start scan worker")

	for str := range w.InputSqsChan {
		if result, ok := w.process(*str); ok {
			w.OutputKafkaChan <- result
		}
	}
}

// process returns false when the message must not produce a result: it was malformed (sent to the DLQ)
// or the domain threshold is reached (sent back to SQS).
func (w *ScanWorker) process(msg string) (*model.ScanResult, bool) {
	// Expected string format: {"url": "https://investor.example.com/financials"}
	var req model.ScanRequest
	if err := json.Unmarshal([]byte(msg), &req); err != nil {
		slog.Error("failed to unmarshal the scan request.", slog.String("message", msg),
			slog.String("err", err.Error()))
		w.KafkaDLQ.SendUrlToDLQ(msg, err)
		return nil, false
	}

	target, root, err := guard.ResolveTarget(req.URL, w.RootPolicy)
	if err != nil {
		slog.Error("invalid scan request.", slog.String("url", req.URL), slog.String("err", err.Error()))
		w.KafkaDLQ.SendUrlToDLQ(req.URL, err)
		return nil, false
	}

	if err = w.Cache.IncrementThreshold(root); err != nil {
		if !errors.Is(err, cache.ThresholdReachedError) {
			slog.Error("failed to check the domain threshold.", slog.String("domain", root),
				slog.String("err", err.Error()))
		}
		// If the threshold is reached or an error - put the message back to the sqs
		w.OutputSqsChan <- &msg
		return nil, false
	}

	// limit requests to the scanned sites
	if err = w.RateLimiter.Wait(context.Background()); err != nil {
		slog.Error("rate limiter failed.", slog.String("err", err.Error()))
		w.OutputSqsChan <- &msg
		return nil, false
	}

	docs := w.Scanner.Scan(context.Background(), target, root)
	return &model.ScanResult{
		Success:       true,
		ScannedURL:    target,
		AllowedDomain: root,
		Found:         len(docs),
		Documents:     docs,
	}, true
}
