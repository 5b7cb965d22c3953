package platform

import (
	"context"
	"strconv"
	"strings"

	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/scoring"
)

// Extraction is the structured shape the work-requirement extractor
// produces from free-text planning output.
type Extraction struct {
	Requirements domain.Requirements
	Priority     string
	Dependencies []string
}

// Extractor turns planning output into structured work requirements. The
// core only consumes this shape; richer extractors live outside.
type Extractor interface {
	Extract(ctx context.Context, title, body string, labels []string) (Extraction, error)
}

// LabelExtractor derives requirements from platform labels using prefix
// conventions: lang:go, fw:chi, domain:auth, type:feature, priority:high,
// complexity:3, estimate:90, needs:cap. Unprefixed labels become plain
// capability tags.
type LabelExtractor struct{}

func (LabelExtractor) Extract(_ context.Context, _, _ string, labels []string) (Extraction, error) {
	var ex Extraction
	for _, raw := range labels {
		label := scoring.NormalizeTag(raw)
		prefix, rest, hasPrefix := strings.Cut(label, ":")
		if !hasPrefix {
			ex.Requirements.Capabilities = append(ex.Requirements.Capabilities, label)
			continue
		}
		switch prefix {
		case "lang":
			ex.Requirements.Languages = append(ex.Requirements.Languages, rest)
		case "fw", "framework":
			ex.Requirements.Frameworks = append(ex.Requirements.Frameworks, rest)
		case "domain":
			ex.Requirements.Domains = append(ex.Requirements.Domains, rest)
		case "type":
			ex.Requirements.IssueType = rest
		case "priority":
			ex.Priority = rest
		case "complexity":
			if n, err := strconv.Atoi(rest); err == nil {
				ex.Requirements.Complexity = n
			}
		case "estimate":
			if n, err := strconv.Atoi(rest); err == nil {
				ex.Requirements.EstimatedMinutes = n
			}
		case "needs", "cap":
			ex.Requirements.Capabilities = append(ex.Requirements.Capabilities, rest)
		case "depends-on", "blocked-by":
			ex.Dependencies = append(ex.Dependencies, rest)
		default:
			ex.Requirements.Capabilities = append(ex.Requirements.Capabilities, label)
		}
	}
	if ex.Priority == "" {
		ex.Priority = domain.PriorityMedium
	}
	return ex, nil
}
