package providers

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/teranos/genepulse/am"
	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/internal/httpclient"
	"github.com/teranos/genepulse/source"
)

const (
	stringSpeciesHuman = 9606
	stringPartnerLimit = 10
	stringCallerID     = "genepulse"
	defaultStringBatch = 50
)

// STRING fetches protein interaction partners, many genes per request
type STRING struct {
	base
	batchSize int
}

// NewSTRING creates the interaction adapter
func NewSTRING(client *httpclient.Client, baseURL string, batchSize int) *STRING {
	if batchSize <= 0 {
		batchSize = defaultStringBatch
	}
	return &STRING{base: base{name: am.ProviderSTRING, client: client, baseURL: baseURL}, batchSize: batchSize}
}

// Partner is one interaction partner
type Partner struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
}

type stringInteraction struct {
	QueryName   string  `json:"preferredName_A"`
	PartnerName string  `json:"preferredName_B"`
	Score       float64 `json:"score"`
}

// STRINGPayload is the normalized interaction record
type STRINGPayload struct {
	PartnerCount int       `json:"partner_count"`
	Partners     []Partner `json:"partners"`
}

// BatchSize returns how many entities go in one request
func (s *STRING) BatchSize() int { return s.batchSize }

// FetchOne is a batch of one
func (s *STRING) FetchOne(ctx context.Context, e source.Entity) (source.Raw, error) {
	found, err := s.FetchBatch(ctx, []source.Entity{e})
	if err != nil {
		return nil, err
	}
	raw, ok := found[e.ID]
	if !ok {
		return nil, errors.NewNotFoundError("string: no interactions for %s", e.Symbol)
	}
	return raw, nil
}

// FetchBatch queries all symbols at once and splits the rows by query gene.
// STRING echoes the preferred name, so rows are matched on symbol.
func (s *STRING) FetchBatch(ctx context.Context, es []source.Entity) (map[string]source.Raw, error) {
	bySymbol := make(map[string]string, len(es))
	symbols := make([]string, 0, len(es))
	for _, e := range es {
		bySymbol[strings.ToUpper(e.Symbol)] = e.ID
		symbols = append(symbols, e.Symbol)
	}

	q := url.Values{}
	q.Set("identifiers", strings.Join(symbols, "\r"))
	q.Set("species", strconv.Itoa(stringSpeciesHuman))
	q.Set("limit", strconv.Itoa(stringPartnerLimit))
	q.Set("caller_identity", stringCallerID)

	var rows []stringInteraction
	if err := s.client.GetJSON(ctx, s.endpoint("/json/interaction_partners", q), &rows); err != nil {
		return nil, err
	}

	grouped := make(map[string][]Partner)
	for _, r := range rows {
		id, ok := bySymbol[strings.ToUpper(r.QueryName)]
		if !ok {
			continue
		}
		grouped[id] = append(grouped[id], Partner{Symbol: r.PartnerName, Score: r.Score})
	}

	out := make(map[string]source.Raw, len(grouped))
	for id, partners := range grouped {
		raw, err := json.Marshal(partners)
		if err != nil {
			return nil, errors.Wrap(err, "encode string partners")
		}
		out[id] = raw
	}
	return out, nil
}

// Transform checks scores and counts partners
func (s *STRING) Transform(e source.Entity, raw source.Raw) (*annotation.Record, error) {
	var partners []Partner
	if err := decode(s.name, raw, &partners); err != nil {
		return nil, err
	}
	for _, p := range partners {
		if p.Symbol == "" || p.Score < 0 || p.Score > 1 {
			return nil, errors.NewValidationError("string partner %q with score %v for %s", p.Symbol, p.Score, e.ID)
		}
	}
	if partners == nil {
		partners = []Partner{}
	}
	return record(s.name, e, STRINGPayload{PartnerCount: len(partners), Partners: partners})
}
