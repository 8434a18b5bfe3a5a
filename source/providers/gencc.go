package providers

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	getter "github.com/hashicorp/go-getter"
	"go.uber.org/zap"

	"github.com/teranos/genepulse/am"
	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/logger"
	"github.com/teranos/genepulse/source"
)

// genccMaxAge is how long a downloaded submissions file is used before refetching
const genccMaxAge = 24 * time.Hour

// GenCC serves gene-disease validity classifications from the bulk submissions export.
// The export is downloaded once and indexed by HGNC id and symbol.
type GenCC struct {
	bulkURL string
	workDir string
	logger  *zap.SugaredLogger
	timeNow func() time.Time

	mu       sync.Mutex
	byKey    map[string][]Classification
	loadedAt time.Time
}

// NewGenCC creates the gene-disease adapter
func NewGenCC(bulkURL, workDir string, log *zap.SugaredLogger) *GenCC {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &GenCC{
		bulkURL: bulkURL,
		workDir: workDir,
		logger:  log.Named("gencc"),
		timeNow: time.Now,
	}
}

// Classification is one submitter's gene-disease assertion
type Classification struct {
	DiseaseCURIE   string `json:"disease_curie"`
	DiseaseTitle   string `json:"disease_title"`
	Classification string `json:"classification"`
	Inheritance    string `json:"mode_of_inheritance,omitempty"`
	Submitter      string `json:"submitter"`
	SubmittedAt    string `json:"submitted_at,omitempty"`
}

// GenCCPayload is the normalized gene-disease record
type GenCCPayload struct {
	DiseaseCount    int              `json:"disease_count"`
	Classifications []Classification `json:"classifications"`
}

// Name returns the provider name
func (g *GenCC) Name() string { return am.ProviderGenCC }

// Validate checks the record fields
func (g *GenCC) Validate(rec *annotation.Record) error { return rec.Validate() }

// FetchOne looks the entity up in the indexed export, downloading it first if needed
func (g *GenCC) FetchOne(ctx context.Context, e source.Entity) (source.Raw, error) {
	index, err := g.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{e.HGNCID, e.Symbol, e.ID} {
		if key == "" {
			continue
		}
		if cs, ok := index[strings.ToUpper(key)]; ok {
			return json.Marshal(cs)
		}
	}
	return nil, errors.NewNotFoundError("gencc: no classifications for %s", e.ID)
}

// Transform counts distinct diseases and stamps the newest submission date
func (g *GenCC) Transform(e source.Entity, raw source.Raw) (*annotation.Record, error) {
	var cs []Classification
	if err := decode(am.ProviderGenCC, raw, &cs); err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, errors.NewValidationError("gencc payload for %s is empty", e.ID)
	}

	diseases := make(map[string]struct{}, len(cs))
	var newest *time.Time
	for _, c := range cs {
		if c.DiseaseCURIE == "" || c.Classification == "" {
			return nil, errors.NewValidationError("gencc classification without disease or class for %s", e.ID)
		}
		diseases[c.DiseaseCURIE] = struct{}{}
		if at, ok := parseSubmitted(c.SubmittedAt); ok && (newest == nil || at.After(*newest)) {
			newest = &at
		}
	}

	rec, err := record(am.ProviderGenCC, e, GenCCPayload{DiseaseCount: len(diseases), Classifications: cs})
	if err != nil {
		return nil, err
	}
	rec.EvidenceAt = newest
	return rec, nil
}

func parseSubmitted(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// load returns the index, downloading the export when it is missing or stale.
// Concurrent callers wait for one download.
func (g *GenCC) load(ctx context.Context) (map[string][]Classification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.byKey != nil && g.timeNow().Sub(g.loadedAt) < genccMaxAge {
		return g.byKey, nil
	}
	if g.bulkURL == "" {
		return nil, errors.NewInvalidRequestError("gencc: no bulk_url configured")
	}

	dir, err := os.MkdirTemp(g.workDir, "genepulse-gencc-*")
	if err != nil {
		return nil, errors.Wrap(err, "create gencc download dir")
	}
	defer os.RemoveAll(dir)

	dst := filepath.Join(dir, "submissions.tsv")
	start := time.Now()
	client := &getter.Client{
		Ctx:     ctx,
		Src:     g.bulkURL,
		Dst:     dst,
		Mode:    getter.ClientModeFile,
		Getters: getter.Getters,
	}
	if err := client.Get(); err != nil {
		if ctx.Err() != nil {
			return nil, errors.WithSecondaryError(ctx.Err(), err)
		}
		return nil, errors.Mark(errors.Wrap(err, "download gencc submissions"), errors.ErrServiceUnavailable)
	}

	f, err := os.Open(dst)
	if err != nil {
		return nil, errors.Wrap(err, "open gencc submissions")
	}
	defer f.Close()

	index, rows, err := parseSubmissions(f)
	if err != nil {
		return nil, err
	}
	g.byKey = index
	g.loadedAt = g.timeNow()
	g.logger.Infow("GenCC submissions loaded",
		logger.FieldCount, rows,
		"genes", len(index),
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	return index, nil
}

// parseSubmissions indexes the export by HGNC id and symbol.
// Columns are located by header name since the export's column order has changed before.
func parseSubmissions(r io.Reader) (map[string][]Classification, int, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, 0, errors.NewValidationError("gencc submissions: read header: %v", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.Trim(strings.TrimSpace(h), `"`)] = i
	}
	for _, required := range []string{"gene_curie", "gene_symbol", "disease_curie", "classification_title"} {
		if _, ok := col[required]; !ok {
			return nil, 0, errors.NewValidationError("gencc submissions: missing column %q", required)
		}
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	index := make(map[string][]Classification)
	rows := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, errors.NewValidationError("gencc submissions: line %d: %v", rows+2, err)
		}
		rows++
		c := Classification{
			DiseaseCURIE:   field(row, "disease_curie"),
			DiseaseTitle:   field(row, "disease_title"),
			Classification: field(row, "classification_title"),
			Inheritance:    field(row, "moi_title"),
			Submitter:      field(row, "submitter_title"),
			SubmittedAt:    field(row, "submitted_as_date"),
		}
		for _, key := range []string{field(row, "gene_curie"), field(row, "gene_symbol")} {
			if key != "" {
				k := strings.ToUpper(key)
				index[k] = append(index[k], c)
			}
		}
	}

	for _, cs := range index {
		sort.SliceStable(cs, func(i, j int) bool { return cs[i].DiseaseCURIE < cs[j].DiseaseCURIE })
	}
	return index, rows, nil
}
