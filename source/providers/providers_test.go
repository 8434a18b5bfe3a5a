package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/genepulse/am"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/internal/httpclient"
	"github.com/teranos/genepulse/pulse/ratelimit"
	"github.com/teranos/genepulse/source"
)

func newServer(t *testing.T, h http.HandlerFunc) (*httptest.Server, *httpclient.Client) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, httpclient.NewForTest(srv.Client())
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func decodePayload(t *testing.T, raw json.RawMessage, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, out))
}

var brca1 = source.Entity{
	ID:        "BRCA1",
	Symbol:    "BRCA1",
	HGNCID:    "HGNC:1100",
	EnsemblID: "ENSG00000012048",
	EntrezID:  "672",
}

func TestHGNC(t *testing.T) {
	doc := map[string]interface{}{
		"hgnc_id":         "HGNC:1100",
		"symbol":          "BRCA1",
		"name":            "BRCA1 DNA repair associated",
		"locus_group":     "protein-coding gene",
		"ensembl_gene_id": "ENSG00000012048",
		"entrez_id":       "672",
		"uniprot_ids":     []string{"P38398"},
	}
	found := func(docs ...interface{}) map[string]interface{} {
		return map[string]interface{}{"response": map[string]interface{}{"numFound": len(docs), "docs": docs}}
	}

	var paths []string
	srv, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		switch r.URL.Path {
		case "/fetch/symbol/BRCA1", "/fetch/prev_symbol/RNF53", "/fetch/hgnc_id/HGNC:1100":
			writeJSON(t, w, found(doc))
		case "/fetch/prev_symbol/AMBIG":
			writeJSON(t, w, found(doc, doc))
		default:
			writeJSON(t, w, found())
		}
	})
	h := NewHGNC(client, srv.URL)
	ctx := context.Background()

	t.Run("approved symbol", func(t *testing.T) {
		raw, err := h.FetchOne(ctx, source.SeedEntity("BRCA1"))
		require.NoError(t, err)

		rec, err := h.Transform(source.SeedEntity("BRCA1"), raw)
		require.NoError(t, err)
		require.NoError(t, h.Validate(rec))
		assert.Equal(t, "hgnc", rec.Provider)

		gene, err := h.Resolve(source.SeedEntity("BRCA1"), raw)
		require.NoError(t, err)
		assert.Equal(t, "HGNC:1100", gene.HGNCID)
		assert.Equal(t, "ENSG00000012048", gene.EnsemblID)
		assert.Equal(t, "672", gene.EntrezID)
		assert.Equal(t, []string{"P38398"}, gene.UniProtIDs)
		assert.Equal(t, "BRCA1", gene.EntityID)
	})

	t.Run("previous symbol", func(t *testing.T) {
		paths = nil
		raw, err := h.FetchOne(ctx, source.SeedEntity("RNF53"))
		require.NoError(t, err)
		assert.Equal(t, []string{"/fetch/symbol/RNF53", "/fetch/prev_symbol/RNF53"}, paths)

		gene, err := h.Resolve(source.SeedEntity("RNF53"), raw)
		require.NoError(t, err)
		assert.Equal(t, "BRCA1", gene.Symbol)
		assert.Equal(t, "RNF53", gene.EntityID)
	})

	t.Run("hgnc id", func(t *testing.T) {
		paths = nil
		_, err := h.FetchOne(ctx, source.SeedEntity("HGNC:1100"))
		require.NoError(t, err)
		assert.Equal(t, []string{"/fetch/hgnc_id/HGNC:1100"}, paths)
	})

	t.Run("unknown and ambiguous", func(t *testing.T) {
		_, err := h.FetchOne(ctx, source.SeedEntity("NOPE1"))
		assert.True(t, errors.IsNotFoundError(err))

		_, err = h.FetchOne(ctx, source.SeedEntity("AMBIG"))
		assert.True(t, errors.IsNotFoundError(err))
		assert.Contains(t, err.Error(), "ambiguous")
	})
}

func TestGnomAD(t *testing.T) {
	srv, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Query, "gnomad_constraint")

		switch req.Variables["symbol"] {
		case "BRCA1":
			writeJSON(t, w, map[string]interface{}{"data": map[string]interface{}{"gene": map[string]interface{}{
				"gene_id": "ENSG00000012048",
				"symbol":  "BRCA1",
				"gnomad_constraint": map[string]interface{}{
					"pli": 0.0, "oe_lof": 0.53, "oe_lof_upper": 0.69, "mis_z": 1.82, "syn_z": 0.4,
				},
			}}})
		case "BROKEN":
			writeJSON(t, w, map[string]interface{}{"data": nil, "errors": []map[string]string{{"message": "internal error"}}})
		default:
			writeJSON(t, w, map[string]interface{}{"data": map[string]interface{}{"gene": nil}, "errors": []map[string]string{{"message": "Gene not found"}}})
		}
	})
	g := NewGnomAD(client, srv.URL)
	ctx := context.Background()

	raw, err := g.FetchOne(ctx, brca1)
	require.NoError(t, err)
	rec, err := g.Transform(brca1, raw)
	require.NoError(t, err)

	var p GnomADPayload
	decodePayload(t, rec.Payload, &p)
	require.NotNil(t, p.LOEUF)
	assert.InDelta(t, 0.69, *p.LOEUF, 1e-9)
	assert.InDelta(t, 1.82, *p.MissenseZ, 1e-9)

	_, err = g.FetchOne(ctx, source.Entity{ID: "X", Symbol: "NOPE1"})
	assert.True(t, errors.IsNotFoundError(err))

	_, err = g.FetchOne(ctx, source.Entity{ID: "X", Symbol: "BROKEN"})
	assert.True(t, errors.Is(err, errors.ErrServerError))

	_, err = g.Transform(brca1, json.RawMessage(`{"pli": 1.5}`))
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestGTEx(t *testing.T) {
	srv, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/expression/medianGeneExpression", r.URL.Path)
		assert.Equal(t, "gtex_v8", r.URL.Query().Get("datasetId"))
		if r.URL.Query().Get("gencodeId") != "ENSG00000012048" {
			writeJSON(t, w, map[string]interface{}{"data": []interface{}{}})
			return
		}
		rows := []map[string]interface{}{}
		for i, tissue := range []string{"Liver", "Testis", "Lung", "Ovary", "Thyroid", "Spleen", "Uterus"} {
			rows = append(rows, map[string]interface{}{"tissueSiteDetailId": tissue, "median": float64(i + 1), "unit": "TPM"})
		}
		writeJSON(t, w, map[string]interface{}{"data": rows})
	})
	g := NewGTEx(client, srv.URL)
	ctx := context.Background()

	raw, err := g.FetchOne(ctx, brca1)
	require.NoError(t, err)
	rec, err := g.Transform(brca1, raw)
	require.NoError(t, err)

	var p GTExPayload
	decodePayload(t, rec.Payload, &p)
	assert.Equal(t, 7, p.TissueCount)
	require.Len(t, p.Top, gtexTopTissues)
	assert.Equal(t, "Uterus", p.Top[0].Tissue)
	assert.Equal(t, 7.0, p.MaxTPM)

	_, err = g.FetchOne(ctx, source.SeedEntity("BRCA1"))
	assert.True(t, errors.IsNotFoundError(err), "no Ensembl id yet")

	_, err = g.FetchOne(ctx, source.Entity{ID: "X", EnsemblID: "ENSG0"})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestClinVar(t *testing.T) {
	srv, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "clinvar", q.Get("db"))
		assert.Equal(t, "secret", q.Get("api_key"))
		if q.Get("term") == "BRCA1[gene]" {
			writeJSON(t, w, map[string]interface{}{"esearchresult": map[string]interface{}{"count": "3", "idlist": []string{"1", "2", "3"}}})
			return
		}
		writeJSON(t, w, map[string]interface{}{"esearchresult": map[string]interface{}{"count": "0", "idlist": []string{}}})
	})
	c := NewClinVar(client, srv.URL, "secret")
	ctx := context.Background()

	raw, err := c.FetchOne(ctx, brca1)
	require.NoError(t, err)
	rec, err := c.Transform(brca1, raw)
	require.NoError(t, err)
	var p ClinVarPayload
	decodePayload(t, rec.Payload, &p)
	assert.Equal(t, 3, p.VariantCount)

	// No variants is still an annotation
	empty := source.Entity{ID: "ORPHAN1", Symbol: "ORPHAN1"}
	raw, err = c.FetchOne(ctx, empty)
	require.NoError(t, err)
	rec, err = c.Transform(empty, raw)
	require.NoError(t, err)
	decodePayload(t, rec.Payload, &p)
	assert.Equal(t, 0, p.VariantCount)
	assert.NotNil(t, p.VariantIDs)
}

func TestHPO(t *testing.T) {
	srv, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gene/NCBIGene:672" {
			writeJSON(t, w, map[string]interface{}{})
			return
		}
		writeJSON(t, w, map[string]interface{}{
			"phenotypes": []Term{{ID: "HP:0003002", Name: "Breast carcinoma"}, {ID: "HP:0100615", Name: "Ovarian neoplasm"}},
			"diseases":   []Term{{ID: "OMIM:604370", Name: "Breast-ovarian cancer, familial, 1"}},
		})
	})
	h := NewHPO(client, srv.URL)
	ctx := context.Background()

	raw, err := h.FetchOne(ctx, brca1)
	require.NoError(t, err)
	rec, err := h.Transform(brca1, raw)
	require.NoError(t, err)
	var p HPOPayload
	decodePayload(t, rec.Payload, &p)
	assert.Equal(t, 2, p.PhenotypeCount)
	assert.Equal(t, 1, p.DiseaseCount)

	_, err = h.FetchOne(ctx, source.Entity{ID: "X", EntrezID: "999999"})
	assert.True(t, errors.IsNotFoundError(err))

	_, err = h.FetchOne(ctx, source.SeedEntity("BRCA1"))
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSTRINGBatch(t *testing.T) {
	var requests int32
	srv, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		q := r.URL.Query()
		assert.Equal(t, "9606", q.Get("species"))
		assert.Equal(t, []string{"BRCA1", "TP53", "NOPE1"}, strings.Split(q.Get("identifiers"), "\r"))
		writeJSON(t, w, []map[string]interface{}{
			{"preferredName_A": "BRCA1", "preferredName_B": "BARD1", "score": 0.999},
			{"preferredName_A": "BRCA1", "preferredName_B": "PALB2", "score": 0.998},
			{"preferredName_A": "TP53", "preferredName_B": "MDM2", "score": 0.999},
		})
	})
	s := NewSTRING(client, srv.URL, 0)
	assert.Equal(t, defaultStringBatch, s.BatchSize())

	es := []source.Entity{brca1, {ID: "TP53", Symbol: "TP53"}, {ID: "NOPE1", Symbol: "NOPE1"}}
	found, err := s.FetchBatch(context.Background(), es)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&requests))
	require.Len(t, found, 2)
	assert.NotContains(t, found, "NOPE1")

	rec, err := s.Transform(brca1, found["BRCA1"])
	require.NoError(t, err)
	var p STRINGPayload
	decodePayload(t, rec.Payload, &p)
	assert.Equal(t, 2, p.PartnerCount)
	assert.Equal(t, "BARD1", p.Partners[0].Symbol)

	_, err = s.Transform(brca1, json.RawMessage(`[{"symbol":"X","score":3}]`))
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestUniProt(t *testing.T) {
	srv, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Query().Get("query"), "gene_exact:BRCA1") {
			writeJSON(t, w, map[string]interface{}{"results": []interface{}{}})
			return
		}
		fmt.Fprint(w, `{"results":[{"primaryAccession":"P38398",
			"proteinDescription":{"recommendedName":{"fullName":{"value":"Breast cancer type 1 susceptibility protein"}}},
			"sequence":{"length":1863},
			"comments":[{"commentType":"FUNCTION","texts":[{"value":"E3 ubiquitin-protein ligase"}]}]}]}`)
	})
	u := NewUniProt(client, srv.URL)
	ctx := context.Background()

	raw, err := u.FetchOne(ctx, brca1)
	require.NoError(t, err)
	rec, err := u.Transform(brca1, raw)
	require.NoError(t, err)
	var p UniProtPayload
	decodePayload(t, rec.Payload, &p)
	assert.Equal(t, "P38398", p.Accession)
	assert.Equal(t, 1863, p.Length)
	assert.Equal(t, "E3 ubiquitin-protein ligase", p.Function)

	_, err = u.FetchOne(ctx, source.Entity{ID: "X", Symbol: "NOPE1"})
	assert.True(t, errors.IsNotFoundError(err))
}

const genccTSV = "\"uuid\"\t\"gene_curie\"\t\"gene_symbol\"\t\"disease_curie\"\t\"disease_title\"\t\"classification_title\"\t\"moi_title\"\t\"submitter_title\"\t\"submitted_as_date\"\n" +
	"\"1\"\t\"HGNC:1100\"\t\"BRCA1\"\t\"MONDO:0011450\"\t\"hereditary breast ovarian cancer\"\t\"Definitive\"\t\"Autosomal dominant\"\t\"ClinGen\"\t\"2021-03-01 00:00:00\"\n" +
	"\"2\"\t\"HGNC:1100\"\t\"BRCA1\"\t\"MONDO:0011450\"\t\"hereditary breast ovarian cancer\"\t\"Strong\"\t\"Autosomal dominant\"\t\"Ambry\"\t\"2022-07-15 00:00:00\"\n" +
	"\"3\"\t\"HGNC:11998\"\t\"TP53\"\t\"MONDO:0007903\"\t\"Li-Fraumeni syndrome\"\t\"Definitive\"\t\"Autosomal dominant\"\t\"ClinGen\"\t\"2020-01-01\"\n"

func TestGenCC(t *testing.T) {
	var downloads int32
	srv, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&downloads, 1)
		w.Header().Set("Content-Type", "text/tab-separated-values")
		_, _ = io.WriteString(w, genccTSV)
	})
	g := NewGenCC(srv.URL+"/submissions-export-tsv", t.TempDir(), zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	raw, err := g.FetchOne(ctx, brca1)
	require.NoError(t, err)
	rec, err := g.Transform(brca1, raw)
	require.NoError(t, err)
	require.NoError(t, g.Validate(rec))

	var p GenCCPayload
	decodePayload(t, rec.Payload, &p)
	assert.Equal(t, 1, p.DiseaseCount)
	assert.Len(t, p.Classifications, 2)
	require.NotNil(t, rec.EvidenceAt)
	assert.Equal(t, time.Date(2022, 7, 15, 0, 0, 0, 0, time.UTC), *rec.EvidenceAt)

	// Symbol lookup before identity resolution, served from the loaded index
	_, err = g.FetchOne(ctx, source.SeedEntity("tp53"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&downloads))

	_, err = g.FetchOne(ctx, source.SeedEntity("NOPE1"))
	assert.True(t, errors.IsNotFoundError(err))

	// A stale index is refetched
	g.timeNow = func() time.Time { return time.Now().Add(genccMaxAge + time.Minute) }
	_, err = g.FetchOne(ctx, brca1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&downloads))
}

func TestGenCCMissingColumns(t *testing.T) {
	_, _, err := parseSubmissions(strings.NewReader("gene_symbol\tdisease_title\nBRCA1\tx\n"))
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestGenCCDownloadFailure(t *testing.T) {
	srv, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	g := NewGenCC(srv.URL+"/export", t.TempDir(), nil)

	_, err := g.FetchOne(context.Background(), brca1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
}

func TestPubTatorPages(t *testing.T) {
	srv, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gene-mentions", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		switch r.URL.Query().Get("cursor") {
		case "":
			writeJSON(t, w, map[string]interface{}{
				"items": []map[string]interface{}{
					{"gene_id": "672", "symbol": "BRCA1", "publication_count": 41000, "recent_pmids": []string{"1", "2"}, "last_published": "2026-09-30"},
					{"symbol": "NOVEL1", "publication_count": 2},
				},
				"next_cursor": "c1",
				"total":       3,
			})
		default:
			writeJSON(t, w, map[string]interface{}{
				"items":       []map[string]interface{}{{"gene_id": "7157", "symbol": "TP53", "publication_count": 90000}},
				"next_cursor": "",
				"total":       3,
			})
		}
	})
	p := NewPubTator(client, srv.URL, "", 2)
	ctx := context.Background()

	page, err := p.FetchPage(ctx, "", p.PageSize())
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "672", page.Items[0].Key)
	assert.Equal(t, "NOVEL1", page.Items[1].Key)
	assert.Equal(t, "c1", page.NextCursor)
	assert.Equal(t, 3, page.Total)

	rec, err := p.TransformItem(brca1, page.Items[0])
	require.NoError(t, err)
	require.NoError(t, p.Validate(rec))
	var payload PubTatorPayload
	decodePayload(t, rec.Payload, &payload)
	assert.Equal(t, 41000, payload.PublicationCount)
	require.NotNil(t, rec.EvidenceAt)

	last, err := p.FetchPage(ctx, page.NextCursor, p.PageSize())
	require.NoError(t, err)
	assert.Empty(t, last.NextCursor)
}

func defaultConfig(t *testing.T) *am.Config {
	t.Helper()
	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestBuild(t *testing.T) {
	cfg := defaultConfig(t)
	p := cfg.Providers[am.ProviderUniProt]
	p.Enabled = false
	cfg.Providers[am.ProviderUniProt] = p

	limiters := ratelimit.NewRegistry(nil)
	sources, err := Build(cfg, Deps{Limiters: limiters, Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)
	require.Len(t, sources, len(am.ProviderOrder)-1)

	byName := make(map[string]*source.Source)
	for _, s := range sources {
		byName[s.Name()] = s
	}
	assert.Equal(t, am.ProviderHGNC, sources[0].Name())
	assert.Equal(t, 1, byName[am.ProviderHGNC].Phase)
	assert.Equal(t, 2, byName[am.ProviderGnomAD].Phase)
	assert.NotContains(t, byName, am.ProviderUniProt)

	assert.True(t, byName[am.ProviderPubTator].Streamed())
	_, batches := byName[am.ProviderSTRING].Adapter.(source.BatchFetcher)
	assert.True(t, batches)
	_, resolves := byName[am.ProviderHGNC].Adapter.(source.GeneResolver)
	assert.True(t, resolves)

	assert.Equal(t, 30*time.Second, byName[am.ProviderGTEx].Timeout)
	assert.Equal(t, 30*24*time.Hour, byName[am.ProviderGTEx].CacheTTL)
	assert.Equal(t, "source:gtex", byName[am.ProviderGTEx].Namespace)
	assert.Equal(t, 3, byName[am.ProviderGTEx].Retry.MaxAttempts)

	// Limiters are shared with the registry so reloads reach running sources
	l, ok := limiters.Get(am.ProviderGnomAD)
	require.True(t, ok)
	assert.Same(t, l, byName[am.ProviderGnomAD].Limiter)
	assert.Equal(t, 60, l.Config().MaxPerMinute)

	limiters.Apply(AllLimits(cfg))
	assert.Equal(t, 2.0, l.Config().RatePerSecond)
}

func TestBuildNothingEnabled(t *testing.T) {
	cfg := defaultConfig(t)
	for name, p := range cfg.Providers {
		p.Enabled = false
		cfg.Providers[name] = p
	}
	_, err := Build(cfg, Deps{})
	assert.Error(t, err)
}

func TestConfigConversions(t *testing.T) {
	p := RetryPolicy(am.RetryConfig{MaxAttempts: 5, InitialMS: 100, MaxMS: 2000, Multiplier: 3})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, p.Initial)
	assert.Equal(t, 2*time.Second, p.Max)
	assert.Equal(t, 3.0, p.Multiplier)

	b := BreakerConfig(am.BreakerConfig{FailureThreshold: 2, CooldownSeconds: 5, BackoffMultiplier: 2, MaxCooldownSeconds: 60})
	assert.Equal(t, 2, b.FailureThreshold)
	assert.Equal(t, 5*time.Second, b.Cooldown)
	assert.Equal(t, time.Minute, b.MaxCooldown)
}
