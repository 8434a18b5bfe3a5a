package providers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/teranos/genepulse/am"
	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/internal/httpclient"
	"github.com/teranos/genepulse/source"
)

const gnomadQuery = `query GeneConstraint($symbol: String!) {
  gene(gene_symbol: $symbol, reference_genome: GRCh38) {
    gene_id
    symbol
    gnomad_constraint {
      pli
      oe_lof
      oe_lof_upper
      mis_z
      syn_z
    }
  }
}`

// GnomAD fetches loss-of-function constraint metrics over GraphQL
type GnomAD struct {
	base
}

// NewGnomAD creates the constraint adapter
func NewGnomAD(client *httpclient.Client, baseURL string) *GnomAD {
	return &GnomAD{base{name: am.ProviderGnomAD, client: client, baseURL: baseURL}}
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type gnomadConstraint struct {
	PLI        *float64 `json:"pli"`
	OELoF      *float64 `json:"oe_lof"`
	OELoFUpper *float64 `json:"oe_lof_upper"`
	MisZ       *float64 `json:"mis_z"`
	SynZ       *float64 `json:"syn_z"`
}

type gnomadResponse struct {
	Data struct {
		Gene *struct {
			GeneID     string            `json:"gene_id"`
			Symbol     string            `json:"symbol"`
			Constraint *gnomadConstraint `json:"gnomad_constraint"`
		} `json:"gene"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// GnomADPayload is the normalized constraint record
type GnomADPayload struct {
	GeneID      string   `json:"gene_id"`
	PLI         *float64 `json:"pli"`
	LOEUF       *float64 `json:"loeuf"`
	OELoF       *float64 `json:"oe_lof,omitempty"`
	MissenseZ   *float64 `json:"missense_z"`
	SynonymousZ *float64 `json:"synonymous_z,omitempty"`
}

// FetchOne queries the gene by approved symbol
func (g *GnomAD) FetchOne(ctx context.Context, e source.Entity) (source.Raw, error) {
	req := graphQLRequest{
		Query:     gnomadQuery,
		Variables: map[string]interface{}{"symbol": e.Symbol},
	}
	var resp gnomadResponse
	if err := g.client.PostJSON(ctx, g.endpoint("", nil), req, &resp); err != nil {
		return nil, err
	}

	if len(resp.Errors) > 0 {
		msg := resp.Errors[0].Message
		if strings.Contains(strings.ToLower(msg), "not found") {
			return nil, errors.NewNotFoundError("gnomad: %s", msg)
		}
		// GraphQL reports server trouble with a 200 status
		return nil, errors.Mark(errors.Newf("gnomad: %s", msg), errors.ErrServerError)
	}
	gene := resp.Data.Gene
	if gene == nil || gene.Constraint == nil {
		return nil, errors.NewNotFoundError("gnomad: no constraint data for %s", e.Symbol)
	}
	return json.Marshal(GnomADPayload{
		GeneID:      gene.GeneID,
		PLI:         gene.Constraint.PLI,
		LOEUF:       gene.Constraint.OELoFUpper,
		OELoF:       gene.Constraint.OELoF,
		MissenseZ:   gene.Constraint.MisZ,
		SynonymousZ: gene.Constraint.SynZ,
	})
}

// Transform checks the constraint metrics are present and in range
func (g *GnomAD) Transform(e source.Entity, raw source.Raw) (*annotation.Record, error) {
	var p GnomADPayload
	if err := decode(g.name, raw, &p); err != nil {
		return nil, err
	}
	if p.PLI == nil && p.LOEUF == nil && p.MissenseZ == nil {
		return nil, errors.NewValidationError("gnomad payload for %s has no metrics", e.ID)
	}
	if p.PLI != nil && (*p.PLI < 0 || *p.PLI > 1) {
		return nil, errors.NewValidationError("gnomad pLI %v out of range for %s", *p.PLI, e.ID)
	}
	return record(g.name, e, p)
}
