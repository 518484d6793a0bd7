package model

import "time"

type DocumentType string

const (
	Annual       DocumentType = "Annual"
	Quarterly    DocumentType = "Quarterly"
	Presentation DocumentType = "Presentation"
	ESG          DocumentType = "ESG"
	Other        DocumentType = "Other"
)

// DiscoveredDocument is one unique, admitted document link found on a scanned page.
type DiscoveredDocument struct {
	Title      string       `json:"title"`
	URL        string       `json:"url"`
	Year       string       `json:"year,omitempty"`
	Type       DocumentType `json:"type"`
	SourcePage string       `json:"sourcePage"`
}

// ArchiveItem is a caller-approved document. It is re-validated before any fetch.
type ArchiveItem struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Year  string `json:"year,omitempty"`
	Type  string `json:"type"`
}

type ScanRequest struct {
	URL string `json:"url"`
}

type ScanResult struct {
	Success       bool                 `json:"success"`
	ScannedURL    string               `json:"scannedUrl"`
	AllowedDomain string               `json:"allowedDomain"`
	Found         int                  `json:"found"`
	Documents     []DiscoveredDocument `json:"documents"`
}

type ArchiveRequest struct {
	Documents    []ArchiveItem `json:"documents"`
	SourceDomain string        `json:"sourceDomain"`
}

type Manifest struct {
	ArchiveID    string          `json:"archiveId"`
	SourceDomain string          `json:"sourceDomain"`
	Timestamp    time.Time       `json:"timestamp"`
	Documents    []ManifestEntry `json:"documents"`
}

type ManifestEntry struct {
	ArchiveItem
	Status string `json:"status"`
	Path   string `json:"path,omitempty"`
	Error  string `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// ArchiveRecord is the audit row written once per archive operation.
type ArchiveRecord struct {
	ID           string
	SourceDomain string
	Requested    int
	Included     int
	Rejected     int
	Failed       int
	Status       string
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}
