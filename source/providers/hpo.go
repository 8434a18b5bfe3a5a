package providers

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/teranos/genepulse/am"
	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/internal/httpclient"
	"github.com/teranos/genepulse/source"
)

// HPO fetches phenotype and disease annotations by Entrez gene id
type HPO struct {
	base
}

// NewHPO creates the phenotype adapter
func NewHPO(client *httpclient.Client, baseURL string) *HPO {
	return &HPO{base{name: am.ProviderHPO, client: client, baseURL: baseURL}}
}

// Term is an ontology term reference
type Term struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type hpoResponse struct {
	Phenotypes []Term `json:"phenotypes"`
	Diseases   []Term `json:"diseases"`
}

// HPOPayload is the normalized phenotype record
type HPOPayload struct {
	EntrezID       string `json:"entrez_id"`
	PhenotypeCount int    `json:"phenotype_count"`
	Phenotypes     []Term `json:"phenotypes"`
	DiseaseCount   int    `json:"disease_count"`
	Diseases       []Term `json:"diseases"`
}

// FetchOne returns the gene's annotation network
func (h *HPO) FetchOne(ctx context.Context, e source.Entity) (source.Raw, error) {
	if err := requireID(h.name, "Entrez id", e.EntrezID, e); err != nil {
		return nil, err
	}
	var resp hpoResponse
	if err := h.client.GetJSON(ctx, h.endpoint("/gene/"+url.PathEscape("NCBIGene:"+e.EntrezID), nil), &resp); err != nil {
		return nil, err
	}
	if len(resp.Phenotypes) == 0 && len(resp.Diseases) == 0 {
		return nil, errors.NewNotFoundError("hpo: no annotations for NCBIGene:%s", e.EntrezID)
	}
	return json.Marshal(resp)
}

// Transform counts and keeps the referenced terms
func (h *HPO) Transform(e source.Entity, raw source.Raw) (*annotation.Record, error) {
	var resp hpoResponse
	if err := decode(h.name, raw, &resp); err != nil {
		return nil, err
	}
	for _, t := range append(append([]Term(nil), resp.Phenotypes...), resp.Diseases...) {
		if t.ID == "" {
			return nil, errors.NewValidationError("hpo term without id for %s", e.ID)
		}
	}
	p := HPOPayload{
		EntrezID:       e.EntrezID,
		PhenotypeCount: len(resp.Phenotypes),
		Phenotypes:     nonNilTerms(resp.Phenotypes),
		DiseaseCount:   len(resp.Diseases),
		Diseases:       nonNilTerms(resp.Diseases),
	}
	return record(h.name, e, p)
}

func nonNilTerms(ts []Term) []Term {
	if ts == nil {
		return []Term{}
	}
	return ts
}
