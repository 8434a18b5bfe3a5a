package providers

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/teranos/genepulse/am"
	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/internal/httpclient"
	"github.com/teranos/genepulse/source"
)

// clinvarMaxIDs bounds the variant ids kept per gene
const clinvarMaxIDs = 100

// ClinVar counts the variants E-utilities associates with a gene
type ClinVar struct {
	base
	apiKey string
}

// NewClinVar creates the variant adapter. apiKey raises the NCBI rate allowance.
func NewClinVar(client *httpclient.Client, baseURL, apiKey string) *ClinVar {
	return &ClinVar{base: base{name: am.ProviderClinVar, client: client, baseURL: baseURL}, apiKey: apiKey}
}

type esearchResponse struct {
	Result struct {
		Count  string   `json:"count"`
		IDList []string `json:"idlist"`
		Error  string   `json:"ERROR,omitempty"`
	} `json:"esearchresult"`
}

// ClinVarPayload is the normalized variant record
type ClinVarPayload struct {
	Symbol       string   `json:"symbol"`
	VariantCount int      `json:"variant_count"`
	VariantIDs   []string `json:"variant_ids"`
}

// FetchOne searches ClinVar by gene symbol
func (c *ClinVar) FetchOne(ctx context.Context, e source.Entity) (source.Raw, error) {
	q := url.Values{}
	q.Set("db", "clinvar")
	q.Set("term", e.Symbol+"[gene]")
	q.Set("retmode", "json")
	q.Set("retmax", strconv.Itoa(clinvarMaxIDs))
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}

	var resp esearchResponse
	if err := c.client.GetJSON(ctx, c.endpoint("/esearch.fcgi", q), &resp); err != nil {
		return nil, err
	}
	if resp.Result.Error != "" {
		return nil, errors.NewInvalidRequestError("clinvar: %s", resp.Result.Error)
	}
	count, err := strconv.Atoi(resp.Result.Count)
	if err != nil {
		return nil, errors.NewValidationError("clinvar: count %q is not a number", resp.Result.Count)
	}
	// A gene with no variants is an answer, not a miss
	return json.Marshal(ClinVarPayload{
		Symbol:       e.Symbol,
		VariantCount: count,
		VariantIDs:   resp.Result.IDList,
	})
}

// Transform checks the count covers the listed ids
func (c *ClinVar) Transform(e source.Entity, raw source.Raw) (*annotation.Record, error) {
	var p ClinVarPayload
	if err := decode(c.name, raw, &p); err != nil {
		return nil, err
	}
	if p.VariantCount < len(p.VariantIDs) {
		return nil, errors.NewValidationError("clinvar count %d below %d listed ids for %s", p.VariantCount, len(p.VariantIDs), e.ID)
	}
	if p.VariantIDs == nil {
		p.VariantIDs = []string{}
	}
	return record(c.name, e, p)
}
