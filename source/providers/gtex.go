package providers

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"

	"github.com/teranos/genepulse/am"
	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/internal/httpclient"
	"github.com/teranos/genepulse/source"
)

const (
	gtexDataset = "gtex_v8"
	// gtexTopTissues is how many tissues the record lists by expression
	gtexTopTissues = 5
)

// GTEx fetches median tissue expression by Ensembl gene id
type GTEx struct {
	base
}

// NewGTEx creates the expression adapter
func NewGTEx(client *httpclient.Client, baseURL string) *GTEx {
	return &GTEx{base{name: am.ProviderGTEx, client: client, baseURL: baseURL}}
}

type gtexExpression struct {
	Tissue    string  `json:"tissueSiteDetailId"`
	Median    float64 `json:"median"`
	Unit      string  `json:"unit"`
	GencodeID string  `json:"gencodeId"`
}

type gtexResponse struct {
	Data []gtexExpression `json:"data"`
}

// TissueExpression is one tissue's median expression
type TissueExpression struct {
	Tissue string  `json:"tissue"`
	Median float64 `json:"median_tpm"`
}

// GTExPayload is the normalized expression record
type GTExPayload struct {
	EnsemblID   string             `json:"ensembl_id"`
	Dataset     string             `json:"dataset"`
	TissueCount int                `json:"tissue_count"`
	Top         []TissueExpression `json:"top_tissues"`
	MaxTPM      float64            `json:"max_tpm"`
}

// FetchOne returns the raw per-tissue medians
func (g *GTEx) FetchOne(ctx context.Context, e source.Entity) (source.Raw, error) {
	if err := requireID(g.name, "Ensembl id", e.EnsemblID, e); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("gencodeId", e.EnsemblID)
	q.Set("datasetId", gtexDataset)

	var resp gtexResponse
	if err := g.client.GetJSON(ctx, g.endpoint("/expression/medianGeneExpression", q), &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.NewNotFoundError("gtex: no expression for %s", e.EnsemblID)
	}
	return json.Marshal(resp.Data)
}

// Transform ranks tissues by median TPM
func (g *GTEx) Transform(e source.Entity, raw source.Raw) (*annotation.Record, error) {
	var rows []gtexExpression
	if err := decode(g.name, raw, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewValidationError("gtex payload for %s is empty", e.ID)
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Median > rows[j].Median })
	p := GTExPayload{
		EnsemblID:   e.EnsemblID,
		Dataset:     gtexDataset,
		TissueCount: len(rows),
		MaxTPM:      rows[0].Median,
	}
	for i := 0; i < len(rows) && i < gtexTopTissues; i++ {
		p.Top = append(p.Top, TissueExpression{Tissue: rows[i].Tissue, Median: rows[i].Median})
	}
	return record(g.name, e, p)
}
