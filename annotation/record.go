// Package annotation holds the pipeline's durable outputs: one current
// AnnotationRecord per (entity, provider) and the gene identities resolved by HGNC.
package annotation

import (
	"encoding/json"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/teranos/genepulse/errors"
)

// Record is the current annotation for one entity from one provider
type Record struct {
	EntityID string          `json:"entity_id"`
	Provider string          `json:"provider"`
	Payload  json.RawMessage `json:"payload"`
	// EvidenceAt is when the provider says the evidence was produced, if it says
	EvidenceAt *time.Time `json:"evidence_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
	RunID      string     `json:"run_id,omitempty"`
}

var validJSON = validation.By(func(value interface{}) error {
	raw, _ := value.(json.RawMessage)
	if !json.Valid(raw) {
		return errors.New("must be valid JSON")
	}
	return nil
})

// Validate checks the fields every provider must fill in
func (r *Record) Validate() error {
	if r == nil {
		return errors.NewValidationError("record is nil")
	}
	err := validation.ValidateStruct(r,
		validation.Field(&r.EntityID, validation.Required),
		validation.Field(&r.Provider, validation.Required),
		validation.Field(&r.Payload, validation.Required, validJSON),
	)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "%s record for %s", r.Provider, r.EntityID), errors.ErrValidation)
	}
	return nil
}

// Gene is the canonical identity of an input entity, resolved in phase 1
type Gene struct {
	// EntityID is the identifier the run was started with
	EntityID   string    `json:"entity_id"`
	HGNCID     string    `json:"hgnc_id"`
	Symbol     string    `json:"symbol"`
	Name       string    `json:"name,omitempty"`
	EnsemblID  string    `json:"ensembl_id,omitempty"`
	EntrezID   string    `json:"entrez_id,omitempty"`
	UniProtIDs []string  `json:"uniprot_ids,omitempty"`
	LocusGroup string    `json:"locus_group,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Validate requires the identifiers phase 2 depends on
func (g *Gene) Validate() error {
	if g == nil {
		return errors.NewValidationError("gene is nil")
	}
	err := validation.ValidateStruct(g,
		validation.Field(&g.EntityID, validation.Required),
		validation.Field(&g.HGNCID, validation.Required),
		validation.Field(&g.Symbol, validation.Required),
	)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "gene %s", g.EntityID), errors.ErrValidation)
	}
	return nil
}

// Summary is one row of the per-provider rollup
type Summary struct {
	Provider    string     `json:"provider"`
	RecordCount int64      `json:"record_count"`
	EntityCount int64      `json:"entity_count"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
	RefreshedAt time.Time  `json:"refreshed_at"`
}
