package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/teranos/genepulse/am"
	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/internal/httpclient"
	"github.com/teranos/genepulse/source"
)

// UniProt fetches the reviewed human protein entry for a gene
type UniProt struct {
	base
}

// NewUniProt creates the protein adapter
func NewUniProt(client *httpclient.Client, baseURL string) *UniProt {
	return &UniProt{base{name: am.ProviderUniProt, client: client, baseURL: baseURL}}
}

type uniprotText struct {
	Value string `json:"value"`
}

type uniprotEntry struct {
	Accession   string `json:"primaryAccession"`
	Description struct {
		Recommended struct {
			FullName uniprotText `json:"fullName"`
		} `json:"recommendedName"`
	} `json:"proteinDescription"`
	Sequence struct {
		Length int `json:"length"`
	} `json:"sequence"`
	Comments []struct {
		Type  string        `json:"commentType"`
		Texts []uniprotText `json:"texts"`
	} `json:"comments"`
}

type uniprotResponse struct {
	Results []uniprotEntry `json:"results"`
}

// UniProtPayload is the normalized protein record
type UniProtPayload struct {
	Accession   string `json:"accession"`
	ProteinName string `json:"protein_name"`
	Length      int    `json:"length"`
	Function    string `json:"function,omitempty"`
}

// FetchOne searches Swiss-Prot by exact gene name
func (u *UniProt) FetchOne(ctx context.Context, e source.Entity) (source.Raw, error) {
	q := url.Values{}
	q.Set("query", fmt.Sprintf("gene_exact:%s AND organism_id:9606 AND reviewed:true", e.Symbol))
	q.Set("fields", "accession,protein_name,length,cc_function")
	q.Set("format", "json")
	q.Set("size", "1")

	var resp uniprotResponse
	if err := u.client.GetJSON(ctx, u.endpoint("/uniprotkb/search", q), &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, errors.NewNotFoundError("uniprot: no reviewed entry for %s", e.Symbol)
	}
	return json.Marshal(resp.Results[0])
}

// Transform extracts name, length and function
func (u *UniProt) Transform(e source.Entity, raw source.Raw) (*annotation.Record, error) {
	var entry uniprotEntry
	if err := decode(u.name, raw, &entry); err != nil {
		return nil, err
	}
	if entry.Accession == "" {
		return nil, errors.NewValidationError("uniprot entry for %s has no accession", e.ID)
	}
	p := UniProtPayload{
		Accession:   entry.Accession,
		ProteinName: entry.Description.Recommended.FullName.Value,
		Length:      entry.Sequence.Length,
	}
	for _, c := range entry.Comments {
		if c.Type == "FUNCTION" && len(c.Texts) > 0 {
			p.Function = c.Texts[0].Value
			break
		}
	}
	return record(u.name, e, p)
}
