package feeds

import (
	"context"
	"fmt"

	"podkeep/internal/domain"
)

// Parser turns a source URL into canonical podcast and episode descriptions.
// Missing optional fields come back as zero values; only fetch or parse
// failures are errors.
type Parser interface {
	Parse(ctx context.Context, url string) (domain.PodcastFields, []domain.Episode, error)
}

// Registry maps parser kinds to implementations.
type Registry struct {
	parsers map[string]Parser
}

func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

func (r *Registry) Register(kind string, parser Parser) {
	r.parsers[kind] = parser
}

func (r *Registry) Get(kind string) (Parser, error) {
	parser, ok := r.parsers[kind]
	if !ok {
		return nil, fmt.Errorf("unknown parser kind %q", kind)
	}
	return parser, nil
}
