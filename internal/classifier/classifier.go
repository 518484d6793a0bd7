package classifier

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/IliaW/doc-harvester/internal/model"
)

var DefaultExtensions = []string{"pdf", "xlsx", "xls", "zip"}

// First match wins: a four-digit year in 1900-2099 or an FYxx token.
var yearRegex = regexp.MustCompile(`(?i)(20\d{2})|(FY\d{2})|(19\d{2})`)

type category struct {
	docType  model.DocumentType
	keywords []string
}

// Order is the classification priority. "annual report" and "annual review" are covered by
// mentionsAnnual so that "semi-annual report" stays Quarterly.
var categories = []category{
	{model.Annual, []string{"10-k", "20-f", "year end", "year-end"}},
	{model.Quarterly, []string{"10-q", "quarterly", "q1", "q2", "q3", "q4", "interim", "half-year", "semi-annual",
		"semi annual", "semiannual"}},
	{model.Presentation, []string{"presentation", "earnings deck", "slides", "investor deck"}},
	{model.ESG, []string{"esg", "sustainability", "climate", "tcfd", "csr"}},
}

type Classifier struct {
	extensions map[string]struct{}
}

// New builds a classifier for the given document extensions (without the dot).
// An empty list means DefaultExtensions.
func New(extensions []string) *Classifier {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	c := &Classifier{extensions: make(map[string]struct{}, len(extensions))}
	for _, ext := range extensions {
		ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
		if ext != "" {
			c.extensions[ext] = struct{}{}
		}
	}
	return c
}

var defaultClassifier = New(nil)

// LooksLikeDocument reports whether the URL path, ignoring the query string, ends in a known document extension.
func LooksLikeDocument(rawUrl string) bool {
	return defaultClassifier.LooksLikeDocument(rawUrl)
}

func (c *Classifier) LooksLikeDocument(rawUrl string) bool {
	u, err := url.Parse(rawUrl)
	if err != nil {
		return false
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if ext == "" {
		return false
	}
	_, ok := c.extensions[ext]
	return ok
}

// Classify derives the document type and year from the link text and its URL.
// The year token is returned uppercased as found; FY23 is not expanded to 2023.
func Classify(linkText, rawUrl string) (model.DocumentType, string) {
	text := linkText + " " + rawUrl

	var year string
	if m := yearRegex.FindString(text); m != "" {
		year = strings.ToUpper(m)
	}

	lower := strings.ToLower(text)
	for _, c := range categories {
		if c.docType == model.Annual && mentionsAnnual(lower) {
			return c.docType, year
		}
		for _, k := range c.keywords {
			if strings.Contains(lower, k) {
				return c.docType, year
			}
		}
	}
	return model.Other, year
}

// mentionsAnnual also accepts a bare "annual" ("Annual ESG Report") unless it is part of a
// semi-annual spelling, which the Quarterly keywords cover.
func mentionsAnnual(lower string) bool {
	for i := 0; ; {
		idx := strings.Index(lower[i:], "annual")
		if idx < 0 {
			return false
		}
		pos := i + idx
		before := lower[:pos]
		if !strings.HasSuffix(before, "semi-") && !strings.HasSuffix(before, "semi ") &&
			!strings.HasSuffix(before, "semi") {
			return true
		}
		i = pos + len("annual")
	}
}
