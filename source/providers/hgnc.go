package providers

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/teranos/genepulse/am"
	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/internal/httpclient"
	"github.com/teranos/genepulse/source"
)

// HGNC resolves input identifiers to approved gene identities
type HGNC struct {
	base
}

// NewHGNC creates the identity adapter
func NewHGNC(client *httpclient.Client, baseURL string) *HGNC {
	return &HGNC{base{name: am.ProviderHGNC, client: client, baseURL: baseURL}}
}

type hgncDoc struct {
	HGNCID      string   `json:"hgnc_id"`
	Symbol      string   `json:"symbol"`
	Name        string   `json:"name"`
	Status      string   `json:"status,omitempty"`
	LocusGroup  string   `json:"locus_group,omitempty"`
	Location    string   `json:"location,omitempty"`
	EnsemblID   string   `json:"ensembl_gene_id,omitempty"`
	EntrezID    string   `json:"entrez_id,omitempty"`
	UniProtIDs  []string `json:"uniprot_ids,omitempty"`
	AliasSymbol []string `json:"alias_symbol,omitempty"`
	PrevSymbol  []string `json:"prev_symbol,omitempty"`
}

type hgncResponse struct {
	Response struct {
		NumFound int       `json:"numFound"`
		Docs     []hgncDoc `json:"docs"`
	} `json:"response"`
}

// FetchOne looks the entity up by HGNC id, approved symbol, then previous symbol.
// The cached payload is the single matching document.
func (h *HGNC) FetchOne(ctx context.Context, e source.Entity) (source.Raw, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return nil, errors.NewInvalidRequestError("empty entity id")
	}

	fields := []string{"symbol", "prev_symbol"}
	if strings.HasPrefix(strings.ToUpper(id), "HGNC:") {
		fields = []string{"hgnc_id"}
	}

	for _, field := range fields {
		var resp hgncResponse
		if err := h.client.GetJSON(ctx, h.endpoint("/fetch/"+field+"/"+url.PathEscape(id), nil), &resp); err != nil {
			return nil, err
		}
		switch {
		case resp.Response.NumFound == 1 && len(resp.Response.Docs) == 1:
			return json.Marshal(resp.Response.Docs[0])
		case resp.Response.NumFound > 1:
			return nil, errors.NewNotFoundError("hgnc: %s is ambiguous (%d genes by %s)", id, resp.Response.NumFound, field)
		}
	}
	return nil, errors.NewNotFoundError("hgnc: no gene for %s", id)
}

// Transform keeps the identity fields as the hgnc record
func (h *HGNC) Transform(e source.Entity, raw source.Raw) (*annotation.Record, error) {
	var doc hgncDoc
	if err := decode(h.name, raw, &doc); err != nil {
		return nil, err
	}
	if doc.HGNCID == "" || doc.Symbol == "" {
		return nil, errors.NewValidationError("hgnc document for %s has no id or symbol", e.ID)
	}
	return record(h.name, e, doc)
}

// Resolve turns the document into the entity's canonical identity
func (h *HGNC) Resolve(e source.Entity, raw source.Raw) (*annotation.Gene, error) {
	var doc hgncDoc
	if err := decode(h.name, raw, &doc); err != nil {
		return nil, err
	}
	return &annotation.Gene{
		EntityID:   e.ID,
		HGNCID:     doc.HGNCID,
		Symbol:     doc.Symbol,
		Name:       doc.Name,
		EnsemblID:  doc.EnsemblID,
		EntrezID:   doc.EntrezID,
		UniProtIDs: doc.UniProtIDs,
		LocusGroup: doc.LocusGroup,
	}, nil
}
