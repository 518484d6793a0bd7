package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/IliaW/doc-harvester/config"
	"github.com/IliaW/doc-harvester/internal/guard"
)

var (
	TooManyRedirectsError  = errors.New("too many redirects")
	OffDomainRedirectError = errors.New("redirect leaves the allowed domain")
	BodyTooLargeError      = errors.New("response body too large")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %s", e.URL, e.Status)
}

type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

type rootKey struct{}

// WithAllowedRoot makes every redirect followed for requests under ctx pass the domain guard for root.
func WithAllowedRoot(ctx context.Context, root string) context.Context {
	return context.WithValue(ctx, rootKey{}, root)
}

func NewHttpClient(cfg *config.HttpClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConnections,
		MaxIdleConnsPerHost: cfg.MaxIdleConnectionsPerHost,
		MaxConnsPerHost:     cfg.MaxConnectionsPerHost,
		IdleConnTimeout:     cfg.IdleConnectionTimeout,
		TLSHandshakeTimeout: cfg.TlsHandshakeTimeout,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.DialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.TlsInsecureSkipVerify,
		},
	}

	return &http.Client{
		Transport:     transport,
		Timeout:       cfg.RequestTimeout,
		CheckRedirect: checkRedirect(cfg.MaxRedirects),
	}
}

func checkRedirect(maxRedirects int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if maxRedirects > 0 && len(via) >= maxRedirects {
			return TooManyRedirectsError
		}
		if root, ok := req.Context().Value(rootKey{}).(string); ok && !guard.IsAllowed(req.URL.String(), root) {
			slog.Warn("redirect rejected by domain guard.", slog.String("url", req.URL.String()))
			return OffDomainRedirectError
		}
		return nil
	}
}

// Fetcher performs GET requests with a browser-like identity. Some investor-relations
// sites reject requests without one.
type Fetcher struct {
	Client    *http.Client
	UserAgent string
	Accept    string
}

func New(client *http.Client, userAgent, accept string) *Fetcher {
	return &Fetcher{Client: client, UserAgent: userAgent, Accept: accept}
}

// Fetch reads at most maxBytes of the body; a larger body fails with BodyTooLargeError.
// maxBytes <= 0 disables the limit.
func (f *Fetcher) Fetch(ctx context.Context, url string, maxBytes int64) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	if f.Accept != "" {
		req.Header.Set("Accept", f.Accept)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if err = resp.Body.Close(); err != nil {
			slog.Warn("failed to close the response body.", slog.String("err", err.Error()))
		}
	}()

	if !IsSuccess(resp.StatusCode) {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var reader io.Reader = resp.Body
	if maxBytes > 0 {
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", BodyTooLargeError, maxBytes)
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
