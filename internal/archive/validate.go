package archive

import (
	"fmt"

	"github.com/IliaW/doc-harvester/internal/guard"
	"github.com/IliaW/doc-harvester/internal/model"
)

// Validate checks an archive request before any byte is streamed. Item URLs must be absolute
// http(s) URLs; whether they sit under sourceDomain is decided later, per item.
func Validate(req *model.ArchiveRequest, maxDocuments int) error {
	if guard.NormalizeRoot(req.SourceDomain) == "" {
		return model.NoRootDomainError
	}
	if maxDocuments > 0 && len(req.Documents) > maxDocuments {
		return fmt.Errorf("%w: %d requested, at most %d allowed", model.TooManyDocumentsError,
			len(req.Documents), maxDocuments)
	}
	for i, item := range req.Documents {
		if _, err := guard.ParseTarget(item.URL); err != nil {
			return fmt.Errorf("document %d: %w", i, err)
		}
	}
	return nil
}
