package payload

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/pipeline"
)

func TestValidator_AcceptsValidPayloads(t *testing.T) {
	t.Parallel()

	v, err := NewValidator()
	require.NoError(t, err)

	cases := []struct {
		kind pipeline.JobKind
		raw  string
	}{
		{pipeline.KindKeywordLookup, `{"query":"cookbook","marketplace":"US"}`},
		{pipeline.KindKeywordLookup, `{"query":"low carb","marketplace":"DE","page":3}`},
		{pipeline.KindProductLookup, `{"asin":"B08N5WRWNW","marketplace":"UK"}`},
		{pipeline.KindCategoryLookup, `{"node_id":"283155","marketplace":"US","page":2}`},
		{pipeline.KindReviewLookup, `{"asin":"B08N5WRWNW","marketplace":"JP","sort":"recent"}`},
	}
	for _, tc := range cases {
		normalized, marketplace, err := v.Validate(tc.kind, json.RawMessage(tc.raw))
		require.NoError(t, err, "kind %s payload %s", tc.kind, tc.raw)
		require.NotEmpty(t, normalized)
		require.NotEmpty(t, marketplace)
	}
}

func TestValidator_RejectsInvalidPayloads(t *testing.T) {
	t.Parallel()

	v, err := NewValidator()
	require.NoError(t, err)

	cases := []struct {
		name string
		kind pipeline.JobKind
		raw  string
	}{
		{"missing query", pipeline.KindKeywordLookup, `{"marketplace":"US"}`},
		{"empty query", pipeline.KindKeywordLookup, `{"query":"","marketplace":"US"}`},
		{"unknown marketplace", pipeline.KindKeywordLookup, `{"query":"x","marketplace":"BR"}`},
		{"short asin", pipeline.KindProductLookup, `{"asin":"B08","marketplace":"US"}`},
		{"node id not numeric", pipeline.KindCategoryLookup, `{"node_id":"abc","marketplace":"US"}`},
		{"bad sort", pipeline.KindReviewLookup, `{"asin":"B08N5WRWNW","marketplace":"US","sort":"newest"}`},
		{"extra field", pipeline.KindKeywordLookup, `{"query":"x","marketplace":"US","depth":2}`},
		{"not an object", pipeline.KindKeywordLookup, `["query"]`},
		{"not json", pipeline.KindKeywordLookup, `{{`},
	}
	for _, tc := range cases {
		_, _, err := v.Validate(tc.kind, json.RawMessage(tc.raw))
		require.Error(t, err, tc.name)
		require.ErrorIs(t, err, pipeline.ErrInvalidPayload, tc.name)
	}
}

func TestValidator_UnknownKind(t *testing.T) {
	t.Parallel()

	v, err := NewValidator()
	require.NoError(t, err)

	_, _, err = v.Validate(pipeline.JobKind("sales-rank"), json.RawMessage(`{}`))
	require.True(t, errors.Is(err, pipeline.ErrInvalidPayload))
}

func TestValidator_NormalizesEquivalentSubmissions(t *testing.T) {
	t.Parallel()

	v, err := NewValidator()
	require.NoError(t, err)

	a, marketA, err := v.Validate(pipeline.KindKeywordLookup, json.RawMessage(`{"query":"Cookbook","marketplace":"us"}`))
	require.NoError(t, err)
	b, marketB, err := v.Validate(pipeline.KindKeywordLookup, json.RawMessage(`{"query":"  cookbook ","marketplace":"US"}`))
	require.NoError(t, err)

	require.Equal(t, "US", marketA)
	require.Equal(t, marketA, marketB)
	require.JSONEq(t, string(a), string(b))
}

func TestCacheKey_DeterministicAndDistinct(t *testing.T) {
	t.Parallel()

	v, err := NewValidator()
	require.NoError(t, err)

	first, market, err := v.Validate(pipeline.KindKeywordLookup, json.RawMessage(`{"query":"Cookbook","marketplace":"us"}`))
	require.NoError(t, err)
	second, _, err := v.Validate(pipeline.KindKeywordLookup, json.RawMessage(`{"query":"cookbook","marketplace":"US"}`))
	require.NoError(t, err)
	require.Equal(t,
		CacheKey(pipeline.KindKeywordLookup, market, first),
		CacheKey(pipeline.KindKeywordLookup, market, second),
	)

	other, otherMarket, err := v.Validate(pipeline.KindKeywordLookup, json.RawMessage(`{"query":"cookbook","marketplace":"UK"}`))
	require.NoError(t, err)
	require.NotEqual(t,
		CacheKey(pipeline.KindKeywordLookup, market, first),
		CacheKey(pipeline.KindKeywordLookup, otherMarket, other),
	)

	require.NotEqual(t,
		CacheKey(pipeline.KindKeywordLookup, market, first),
		CacheKey(pipeline.KindProductLookup, market, first),
	)
}
