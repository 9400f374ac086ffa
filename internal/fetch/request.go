package fetch

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/pipeline"
)

// RequestBuilder maps a job onto the fetch request for its marketplace host.
// It only addresses pages; it knows nothing about their markup.
type RequestBuilder struct {
	hosts map[string]string
}

// NewRequestBuilder constructs a builder from the marketplace -> host map.
func NewRequestBuilder(hosts map[string]string) *RequestBuilder {
	copied := make(map[string]string, len(hosts))
	for marketplace, host := range hosts {
		copied[marketplace] = host
	}
	return &RequestBuilder{hosts: copied}
}

type jobPayload struct {
	Query  string `json:"query"`
	ASIN   string `json:"asin"`
	NodeID string `json:"node_id"`
	Page   int    `json:"page"`
	Sort   string `json:"sort"`
}

// Build derives the target host and URL for a job.
func (b *RequestBuilder) Build(job pipeline.Job) (pipeline.FetchRequest, error) {
	host, ok := b.hosts[job.Marketplace]
	if !ok {
		return pipeline.FetchRequest{}, fmt.Errorf("no host configured for marketplace %q", job.Marketplace)
	}
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return pipeline.FetchRequest{}, fmt.Errorf("decode payload: %w", err)
	}

	u := url.URL{Scheme: "https", Host: host}
	query := url.Values{}
	switch job.Kind {
	case pipeline.KindKeywordLookup:
		u.Path = "/s"
		query.Set("k", p.Query)
		if p.Page > 1 {
			query.Set("page", strconv.Itoa(p.Page))
		}
	case pipeline.KindProductLookup:
		u.Path = "/dp/" + p.ASIN
	case pipeline.KindCategoryLookup:
		u.Path = "/b"
		query.Set("node", p.NodeID)
		if p.Page > 1 {
			query.Set("page", strconv.Itoa(p.Page))
		}
	case pipeline.KindReviewLookup:
		u.Path = "/product-reviews/" + p.ASIN
		if p.Page > 1 {
			query.Set("pageNumber", strconv.Itoa(p.Page))
		}
		if p.Sort != "" {
			query.Set("sortBy", p.Sort)
		}
	default:
		return pipeline.FetchRequest{}, fmt.Errorf("unknown job kind %q", job.Kind)
	}
	u.RawQuery = query.Encode()

	return pipeline.FetchRequest{
		Target: host,
		URL:    u.String(),
	}, nil
}
