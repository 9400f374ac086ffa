// Package payload validates job payloads and derives cache keys.
package payload

import (
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/pipeline"
)

// Marketplaces accepted in job payloads.
var Marketplaces = []string{"US", "UK", "DE", "FR", "IT", "ES", "CA", "JP", "AU", "IN"}

// buildKindSchema returns the JSON-Schema (draft 2020-12 subset) for one job
// kind, as a generic map. The same maps are compiled for local validation.
func buildKindSchema(kind pipeline.JobKind) map[string]any {
	marketplace := map[string]any{"type": "string", "enum": anySlice(Marketplaces)}
	page := map[string]any{"type": "integer", "minimum": 1, "maximum": 100}
	asin := map[string]any{"type": "string", "pattern": `^[A-Z0-9]{10}$`}

	var props map[string]any
	var required []string

	switch kind {
	case pipeline.KindKeywordLookup:
		props = map[string]any{
			"query":       map[string]any{"type": "string", "minLength": 1, "maxLength": 200},
			"marketplace": marketplace,
			"page":        page,
		}
		required = []string{"query", "marketplace"}
	case pipeline.KindProductLookup:
		props = map[string]any{
			"asin":        asin,
			"marketplace": marketplace,
		}
		required = []string{"asin", "marketplace"}
	case pipeline.KindCategoryLookup:
		props = map[string]any{
			"node_id":     map[string]any{"type": "string", "pattern": `^\d{1,12}$`},
			"marketplace": marketplace,
			"page":        page,
		}
		required = []string{"node_id", "marketplace"}
	case pipeline.KindReviewLookup:
		props = map[string]any{
			"asin":        asin,
			"marketplace": marketplace,
			"page":        page,
			"sort":        map[string]any{"type": "string", "enum": []any{"recent", "helpful"}},
		}
		required = []string{"asin", "marketplace"}
	default:
		return nil
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
		"required":             anySlice(required),
	}
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
