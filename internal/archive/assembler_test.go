package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/IliaW/doc-harvester/config"
	"github.com/IliaW/doc-harvester/internal/fetcher"
	"github.com/IliaW/doc-harvester/internal/model"
	"github.com/IliaW/doc-harvester/internal/telemetry"
)

type fakeFetcher struct {
	mu        sync.Mutex
	bodies    map[string]string
	errs      map[string]error
	blockUrls map[string]bool
	calls     []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, _ int64) (*fetcher.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	block := f.blockUrls[url]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	return &fetcher.Response{StatusCode: http.StatusOK, Body: []byte(f.bodies[url])}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type mockDLQ struct {
	mock.Mock
}

func (m *mockDLQ) SendUrlToDLQ(url string, err error) {
	m.Called(url, err)
}

type mockAudit struct {
	mock.Mock
}

func (m *mockAudit) SaveArchive(ctx context.Context, record *model.ArchiveRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func testArchiveConfig() *config.ArchiveConfig {
	return &config.ArchiveConfig{
		FetchTimeout:     5 * time.Second,
		MaxDocumentBytes: 1 << 20,
		CompressionLevel: 9,
		ErrorDir:         "ERRORS",
		UnknownYear:      "Unknown_Year",
		UnknownType:      "Other",
		ManifestName:     "manifest.json",
	}
}

func newTestAssembler(f DocumentFetcher) *Assembler {
	return &Assembler{
		Fetcher: f,
		Cfg:     testArchiveConfig(),
		Metrics: telemetry.NewNoopMetrics().ArchiveMetrics,
		Now:     func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func readZip(t *testing.T, data []byte) (names []string, files map[string]string) {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	files = make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		names = append(names, f.Name)
		files[f.Name] = string(b)
	}
	return names, files
}

func TestAssemble(t *testing.T) {
	t.Run("partial failure keeps the archive", func(t *testing.T) {
		fetchErr := errors.New("dial tcp: connection reset by peer")
		f := &fakeFetcher{
			bodies: map[string]string{
				"https://ir.example.com/annual-2022.pdf": "annual bytes",
				"https://ir.example.com/esg-2023.pdf":    "esg bytes",
			},
			errs: map[string]error{"https://ir.example.com/q2.pdf": fetchErr},
		}
		dlq := &mockDLQ{}
		dlq.On("SendUrlToDLQ", "https://ir.example.com/q2.pdf", fetchErr).Once()
		audit := &mockAudit{}
		audit.On("SaveArchive", mock.Anything, mock.MatchedBy(func(r *model.ArchiveRecord) bool {
			return r.Status == "completed" && r.Requested == 3 && r.Included == 2 && r.Failed == 1
		})).Return(nil).Once()

		a := newTestAssembler(f)
		a.DLQ = dlq
		a.Audit = audit
		req := model.ArchiveRequest{
			SourceDomain: "www.example.com",
			Documents: []model.ArchiveItem{
				{URL: "https://ir.example.com/annual-2022.pdf", Title: "Annual Report", Year: "2022", Type: "Annual"},
				{URL: "https://ir.example.com/q2.pdf", Title: "Q2 Results", Year: "2023", Type: "Quarterly"},
				{URL: "https://ir.example.com/esg-2023.pdf", Title: "ESG", Year: "2023", Type: "ESG"},
			},
		}

		var buf bytes.Buffer
		summary, err := a.Assemble(context.Background(), req, &buf)
		require.NoError(t, err)

		names, files := readZip(t, buf.Bytes())
		assert.Equal(t, []string{
			"FY2022/Annual/Annual_Report.pdf",
			"ERRORS/Q2_Results_error.txt",
			"FY2023/ESG/ESG.pdf",
			"manifest.json",
		}, names)
		assert.Equal(t, "annual bytes", files["FY2022/Annual/Annual_Report.pdf"])
		assert.Equal(t, "Failed to download: https://ir.example.com/q2.pdf\nError: dial tcp: connection reset by peer",
			files["ERRORS/Q2_Results_error.txt"])

		assert.Equal(t, "example.com", summary.SourceDomain)
		assert.Equal(t, 2, summary.Included)
		assert.Equal(t, 1, summary.Failed)
		assert.Equal(t, 0, summary.Rejected)

		var manifest model.Manifest
		require.NoError(t, json.Unmarshal([]byte(files["manifest.json"]), &manifest))
		assert.Equal(t, "example.com", manifest.SourceDomain)
		assert.Equal(t, summary.ArchiveID, manifest.ArchiveID)
		require.Len(t, manifest.Documents, 3)
		assert.Equal(t, "included", manifest.Documents[0].Status)
		assert.Equal(t, "FY2022/Annual/Annual_Report.pdf", manifest.Documents[0].Path)
		assert.Equal(t, "failed", manifest.Documents[1].Status)
		assert.Contains(t, manifest.Documents[1].Error, "connection reset")

		dlq.AssertExpectations(t)
		audit.AssertExpectations(t)
	})

	t.Run("off-domain item leaves no trace in the archive", func(t *testing.T) {
		f := &fakeFetcher{bodies: map[string]string{"https://ir.example.com/a.pdf": "a"}}
		a := newTestAssembler(f)
		req := model.ArchiveRequest{
			SourceDomain: "example.com",
			Documents: []model.ArchiveItem{
				{URL: "https://evilexample.com/tampered.pdf", Title: "Tampered", Year: "2022", Type: "Annual"},
				{URL: "https://ir.example.com/a.pdf", Title: "A", Year: "2022", Type: "Annual"},
			},
		}

		var buf bytes.Buffer
		summary, err := a.Assemble(context.Background(), req, &buf)
		require.NoError(t, err)

		names, _ := readZip(t, buf.Bytes())
		assert.Equal(t, []string{"FY2022/Annual/A.pdf", "manifest.json"}, names)
		assert.Equal(t, 1, summary.Rejected)
		assert.Equal(t, []string{"https://ir.example.com/a.pdf"}, f.calls)
	})

	t.Run("duplicate titles get distinct names", func(t *testing.T) {
		f := &fakeFetcher{bodies: map[string]string{
			"https://ir.example.com/1.pdf": "one",
			"https://ir.example.com/2.pdf": "two",
		}}
		req := model.ArchiveRequest{
			SourceDomain: "example.com",
			Documents: []model.ArchiveItem{
				{URL: "https://ir.example.com/1.pdf", Title: "Report", Type: "Annual"},
				{URL: "https://ir.example.com/2.pdf", Title: "Report", Type: "Annual"},
			},
		}

		var buf bytes.Buffer
		_, err := newTestAssembler(f).Assemble(context.Background(), req, &buf)
		require.NoError(t, err)

		_, files := readZip(t, buf.Bytes())
		assert.Equal(t, "one", files["Unknown_Year/Annual/Report.pdf"])
		assert.Equal(t, "two", files["Unknown_Year/Annual/Report_2.pdf"])
	})

	t.Run("empty source domain is refused", func(t *testing.T) {
		f := &fakeFetcher{}
		req := model.ArchiveRequest{
			SourceDomain: "  ",
			Documents:    []model.ArchiveItem{{URL: "https://ir.example.com/a.pdf", Title: "A"}},
		}

		var buf bytes.Buffer
		_, err := newTestAssembler(f).Assemble(context.Background(), req, &buf)
		assert.ErrorIs(t, err, model.NoRootDomainError)
		assert.Zero(t, buf.Len())
		assert.Empty(t, f.calls)
	})

	t.Run("write failure aborts", func(t *testing.T) {
		f := &fakeFetcher{bodies: map[string]string{"https://ir.example.com/a.pdf": "a"}}
		audit := &mockAudit{}
		audit.On("SaveArchive", mock.Anything, mock.MatchedBy(func(r *model.ArchiveRecord) bool {
			return r.Status == "aborted" && r.Error != ""
		})).Return(errors.New("db down")).Once()
		a := newTestAssembler(f)
		a.Audit = audit
		req := model.ArchiveRequest{
			SourceDomain: "example.com",
			Documents: []model.ArchiveItem{
				{URL: "https://ir.example.com/a.pdf", Title: "A"},
				{URL: "https://ir.example.com/b.pdf", Title: "B"},
			},
		}

		_, err := a.Assemble(context.Background(), req, failingWriter{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken pipe")
		assert.Equal(t, 1, f.callCount())
		audit.AssertExpectations(t)
	})

	t.Run("cancelled context stops before fetching", func(t *testing.T) {
		f := &fakeFetcher{}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := model.ArchiveRequest{
			SourceDomain: "example.com",
			Documents:    []model.ArchiveItem{{URL: "https://ir.example.com/a.pdf", Title: "A"}},
		}

		_, err := newTestAssembler(f).Assemble(ctx, req, io.Discard)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, f.calls)
	})

	t.Run("cancellation during a fetch is not recorded as a failed document", func(t *testing.T) {
		f := &fakeFetcher{
			bodies:    map[string]string{"https://ir.example.com/a.pdf": "a"},
			blockUrls: map[string]bool{"https://ir.example.com/slow.pdf": true},
		}
		dlq := &mockDLQ{}
		a := newTestAssembler(f)
		a.DLQ = dlq
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			for f.callCount() < 2 {
				time.Sleep(5 * time.Millisecond)
			}
			cancel()
		}()
		req := model.ArchiveRequest{
			SourceDomain: "example.com",
			Documents: []model.ArchiveItem{
				{URL: "https://ir.example.com/a.pdf", Title: "A"},
				{URL: "https://ir.example.com/slow.pdf", Title: "Slow"},
				{URL: "https://ir.example.com/never.pdf", Title: "Never"},
			},
		}

		summary, err := a.Assemble(ctx, req, io.Discard)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 2, f.callCount())
		assert.Equal(t, 0, summary.Failed)
		dlq.AssertNotCalled(t, "SendUrlToDLQ", mock.Anything, mock.Anything)
	})
}

func TestAssembleOverHttp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/reports/annual.pdf":
			w.Write([]byte("%PDF annual"))
		case "/reports/reset.pdf":
			hj, ok := w.(http.Hijacker)
			if !ok {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			conn, _, _ := hj.Hijack()
			conn.(*net.TCPConn).SetLinger(0)
			conn.Close()
		case "/reports/deck.PDF":
			w.Write([]byte("%PDF deck"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := fetcher.NewHttpClient(&config.HttpClientConfig{RequestTimeout: 5 * time.Second, MaxRedirects: 5})
	a := newTestAssembler(fetcher.New(client, "Mozilla/5.0 test", ""))
	req := model.ArchiveRequest{
		SourceDomain: "127.0.0.1",
		Documents: []model.ArchiveItem{
			{URL: srv.URL + "/reports/annual.pdf", Title: "Annual Report", Year: "2023", Type: "Annual"},
			{URL: srv.URL + "/reports/reset.pdf", Title: "Reset", Year: "2023", Type: "Quarterly"},
			{URL: srv.URL + "/reports/missing.pdf", Title: "Missing", Type: "ESG"},
			{URL: srv.URL + "/reports/deck.PDF?v=3", Title: "FY22 Deck!!", Year: "2022", Type: "Presentation"},
		},
	}

	var buf bytes.Buffer
	summary, err := a.Assemble(context.Background(), req, &buf)
	require.NoError(t, err)

	names, files := readZip(t, buf.Bytes())
	assert.Equal(t, []string{
		"FY2023/Annual/Annual_Report.pdf",
		"ERRORS/Reset_error.txt",
		"ERRORS/Missing_error.txt",
		"FY2022/Presentation/FY22_Deck__.pdf",
		"manifest.json",
	}, names)
	assert.Contains(t, files["ERRORS/Missing_error.txt"], "404")
	assert.Contains(t, files["ERRORS/Reset_error.txt"], srv.URL+"/reports/reset.pdf")
	assert.Equal(t, 2, summary.Included)
	assert.Equal(t, 2, summary.Failed)
}
