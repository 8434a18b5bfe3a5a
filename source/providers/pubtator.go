package providers

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/teranos/genepulse/am"
	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/internal/httpclient"
	"github.com/teranos/genepulse/source"
)

const defaultPubTatorPage = 100

// PubTator streams gene-level literature mention summaries.
// The feed is cursor paged and covers every gene, so the stream
// processor filters it down to the run's entities.
type PubTator struct {
	base
	apiKey   string
	pageSize int
}

// NewPubTator creates the literature feed adapter
func NewPubTator(client *httpclient.Client, baseURL, apiKey string, pageSize int) *PubTator {
	if pageSize <= 0 {
		pageSize = defaultPubTatorPage
	}
	return &PubTator{
		base:     base{name: am.ProviderPubTator, client: client, baseURL: baseURL},
		apiKey:   apiKey,
		pageSize: pageSize,
	}
}

type pubtatorMention struct {
	GeneID           string   `json:"gene_id"`
	Symbol           string   `json:"symbol"`
	PublicationCount int      `json:"publication_count"`
	RecentPMIDs      []string `json:"recent_pmids"`
	LastPublished    string   `json:"last_published,omitempty"`
}

type pubtatorPage struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	Total      int               `json:"total"`
}

// PubTatorPayload is the normalized literature record
type PubTatorPayload struct {
	EntrezID         string   `json:"entrez_id,omitempty"`
	PublicationCount int      `json:"publication_count"`
	RecentPMIDs      []string `json:"recent_pmids"`
}

// PageSize returns the configured page size
func (p *PubTator) PageSize() int { return p.pageSize }

// FetchPage returns the page after cursor. Each item is keyed by Entrez id, or symbol when absent.
func (p *PubTator) FetchPage(ctx context.Context, cursor string, size int) (source.Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(size))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if p.apiKey != "" {
		q.Set("api_key", p.apiKey)
	}

	var resp pubtatorPage
	if err := p.client.GetJSON(ctx, p.endpoint("/gene-mentions", q), &resp); err != nil {
		return source.Page{}, err
	}

	page := source.Page{NextCursor: resp.NextCursor, Total: resp.Total}
	for _, raw := range resp.Items {
		var m pubtatorMention
		if err := json.Unmarshal(raw, &m); err != nil {
			return source.Page{}, errors.NewValidationError("pubtator item: %v", err)
		}
		key := m.GeneID
		if key == "" {
			key = m.Symbol
		}
		page.Items = append(page.Items, source.Item{Key: key, Data: raw})
	}
	return page, nil
}

// TransformItem normalizes one mention summary
func (p *PubTator) TransformItem(e source.Entity, item source.Item) (*annotation.Record, error) {
	var m pubtatorMention
	if err := decode(p.name, source.Raw(item.Data), &m); err != nil {
		return nil, err
	}
	if m.PublicationCount < 0 {
		return nil, errors.NewValidationError("pubtator publication count %d for %s", m.PublicationCount, e.ID)
	}
	pmids := m.RecentPMIDs
	if pmids == nil {
		pmids = []string{}
	}
	rec, err := record(p.name, e, PubTatorPayload{
		EntrezID:         m.GeneID,
		PublicationCount: m.PublicationCount,
		RecentPMIDs:      pmids,
	})
	if err != nil {
		return nil, err
	}
	if t, err := time.Parse("2006-01-02", m.LastPublished); err == nil {
		t = t.UTC()
		rec.EvidenceAt = &t
	}
	return rec, nil
}
