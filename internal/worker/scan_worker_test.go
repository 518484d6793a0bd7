package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/IliaW/doc-harvester/internal/cache"
	"github.com/IliaW/doc-harvester/internal/guard"
	"github.com/IliaW/doc-harvester/internal/model"
)

type mockScanner struct {
	mock.Mock
}

func (m *mockScanner) Scan(ctx context.Context, targetUrl string, root string) []model.DiscoveredDocument {
	args := m.Called(targetUrl, root)
	return args.Get(0).([]model.DiscoveredDocument)
}

type mockDLQ struct {
	mock.Mock
}

func (m *mockDLQ) SendUrlToDLQ(url string, err error) {
	m.Called(url, err)
}

type mockThreshold struct {
	mock.Mock
}

func (m *mockThreshold) IncrementThreshold(rootDomain string) error {
	return m.Called(rootDomain).Error(0)
}

func (m *mockThreshold) Close() {}

func runWorker(t *testing.T, w *ScanWorker, messages ...string) ([]*model.ScanResult, []string) {
	t.Helper()
	in := make(chan *string, len(messages))
	back := make(chan *string, len(messages))
	out := make(chan *model.ScanResult, len(messages))
	for i := range messages {
		in <- &messages[i]
	}
	close(in)

	w.InputSqsChan = in
	w.OutputSqsChan = back
	w.OutputKafkaChan = out
	w.Wg = &sync.WaitGroup{}
	w.Wg.Add(1)
	w.Run()
	close(back)
	close(out)

	var results []*model.ScanResult
	for r := range out {
		results = append(results, r)
	}
	var returned []string
	for m := range back {
		returned = append(returned, *m)
	}
	return results, returned
}

func TestScanWorker(t *testing.T) {
	docs := []model.DiscoveredDocument{{Title: "Annual Report", URL: "https://ir.example.com/ar.pdf",
		Year: "2023", Type: model.Annual, SourcePage: "https://ir.example.com/reports"}}

	t.Run("publishes the discovery result", func(t *testing.T) {
		sc := &mockScanner{}
		sc.On("Scan", "https://ir.example.com/reports", "example.com").Return(docs).Once()
		th := &mockThreshold{}
		th.On("IncrementThreshold", "example.com").Return(nil).Once()

		results, returned := runWorker(t, &ScanWorker{
			Scanner:     sc,
			RateLimiter: rate.NewLimiter(rate.Inf, 1),
			RootPolicy:  guard.LastTwoLabels,
			Cache:       th,
			KafkaDLQ:    &mockDLQ{},
		}, `{"url": "https://ir.example.com/reports"}`)

		require.Len(t, results, 1)
		assert.Empty(t, returned)
		assert.True(t, results[0].Success)
		assert.Equal(t, "example.com", results[0].AllowedDomain)
		assert.Equal(t, 1, results[0].Found)
		assert.Equal(t, docs, results[0].Documents)
		sc.AssertExpectations(t)
		th.AssertExpectations(t)
	})

	t.Run("malformed messages go to the DLQ", func(t *testing.T) {
		dlq := &mockDLQ{}
		dlq.On("SendUrlToDLQ", "not json", mock.Anything).Once()
		dlq.On("SendUrlToDLQ", "ftp://example.com/x", mock.MatchedBy(func(err error) bool {
			return errors.Is(err, model.MalformedUrlError)
		})).Once()
		sc := &mockScanner{}

		results, returned := runWorker(t, &ScanWorker{
			Scanner:     sc,
			RateLimiter: rate.NewLimiter(rate.Inf, 1),
			RootPolicy:  guard.LastTwoLabels,
			Cache:       cache.NoopClient{},
			KafkaDLQ:    dlq,
		}, "not json", `{"url": "ftp://example.com/x"}`)

		assert.Empty(t, results)
		assert.Empty(t, returned)
		dlq.AssertExpectations(t)
		sc.AssertNotCalled(t, "Scan", mock.Anything, mock.Anything)
	})

	t.Run("threshold sends the message back to sqs", func(t *testing.T) {
		th := &mockThreshold{}
		th.On("IncrementThreshold", "example.com").Return(cache.ThresholdReachedError).Once()
		sc := &mockScanner{}
		msg := `{"url": "https://example.com/ir"}`

		results, returned := runWorker(t, &ScanWorker{
			Scanner:     sc,
			RateLimiter: rate.NewLimiter(rate.Inf, 1),
			RootPolicy:  guard.LastTwoLabels,
			Cache:       th,
			KafkaDLQ:    &mockDLQ{},
		}, msg)

		assert.Empty(t, results)
		assert.Equal(t, []string{msg}, returned)
		sc.AssertNotCalled(t, "Scan", mock.Anything, mock.Anything)
	})
}
