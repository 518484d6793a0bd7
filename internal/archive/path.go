package archive

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/IliaW/doc-harvester/internal/model"
)

const maxTitleLen = 100

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9.\-_]`)

// SanitizeTitle replaces every character outside [A-Za-z0-9.-_] with "_" and truncates to 100 characters.
func SanitizeTitle(title string) string {
	s := unsafeChars.ReplaceAllString(title, "_")
	if len(s) > maxTitleLen {
		s = s[:maxTitleLen]
	}
	return s
}

// segment sanitizes a directory component supplied by the caller. A component made only of
// dots would walk out of the archive root, so it is replaced.
func segment(s string) string {
	s = SanitizeTitle(strings.TrimSpace(s))
	if strings.Trim(s, ".") == "" {
		return strings.Repeat("_", len(s))
	}
	return s
}

// Extension returns the lowercase suffix after the last "." of the URL's final path segment,
// ignoring the query string, or "pdf" when there is none.
func Extension(rawUrl string) string {
	p := rawUrl
	if u, err := url.Parse(rawUrl); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := SanitizeTitle(strings.TrimPrefix(strings.ToLower(path.Ext(p)), "."))
	if ext == "" {
		return "pdf"
	}
	return ext
}

// EntryPath computes <yearSegment>/<typeSegment>/<sanitizedTitle>.<extension>.
func EntryPath(item model.ArchiveItem, unknownYear, unknownType string) string {
	year := unknownYear
	if y := strings.TrimSpace(item.Year); y != "" {
		// "FY23" is kept as FY23 rather than becoming FYFY23.
		if strings.HasPrefix(strings.ToUpper(y), "FY") {
			y = y[2:]
		}
		if y = segment(y); y != "" {
			year = "FY" + y
		}
	}

	docType := unknownType
	if t := segment(item.Type); t != "" {
		docType = t
	}

	return year + "/" + docType + "/" + fileTitle(item.Title) + "." + Extension(item.URL)
}

func fileTitle(title string) string {
	if t := SanitizeTitle(title); t != "" {
		return t
	}
	return "Untitled"
}

// uniquePaths hands out archive names, suffixing repeats with _2, _3, ...
type uniquePaths map[string]int

func (u uniquePaths) claim(name string) string {
	n := u[name]
	u[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	candidate := strings.TrimSuffix(name, ext) + "_" + strconv.Itoa(n+1) + ext
	if _, taken := u[candidate]; taken {
		return u.claim(candidate)
	}
	u[candidate] = 1
	return candidate
}
