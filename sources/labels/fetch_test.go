package labels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gdogra/OncoSafeRx-sub018/config"
	"github.com/gdogra/OncoSafeRx-sub018/models"
	"github.com/gdogra/OncoSafeRx-sub018/resolver"
	"github.com/gdogra/OncoSafeRx-sub018/sources"
)

const labelResponse = `{
  "results": [
    {
      "set_id": "abc-123",
      "boxed_warning": ["Concurrent warfarin therapy may result in fatal bleeding."],
      "drug_interactions": ["Warfarin levels increase via CYP2C9 inhibition. Monitor omeprazole co-administration."],
      "information_for_patients": ["Tell your doctor if you take ondansetron."]
    }
  ]
}`

func newTestFetcher(t *testing.T, handler http.HandlerFunc) *Fetcher {
	t.Helper()

	api := httptest.NewServer(handler)
	t.Cleanup(api.Close)

	rxnorm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"idGroup":{"rxnormId":["11289"]}}`))
	}))
	t.Cleanup(rxnorm.Close)

	cfg := &config.Config{
		LabelsBaseURL:       api.URL,
		RxNormBaseURL:       rxnorm.URL,
		SourceRetryAttempts: 1,
		SourceRetryBackoff:  time.Millisecond,
	}
	return NewFetcher(cfg, zap.NewNop(), resolver.New(cfg, zap.NewNop()))
}

func TestExtractMapsSectionsToSeverity(t *testing.T) {
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("search"), "fluorouracil")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(labelResponse))
	})

	drug := models.DrugRef{Name: "fluorouracil", RXCUI: "4492"}
	evidence, err := fetcher.Extract(context.Background(), drug, sources.Options{MaxResults: 5})
	require.NoError(t, err)
	require.Len(t, evidence, 3)

	bySeverity := map[string]models.Severity{}
	byLevel := map[string]models.EvidenceLevel{}
	for _, ev := range evidence {
		assert.Equal(t, models.SourceRegulatoryLabel, ev.SourceType)
		assert.Equal(t, "abc-123", ev.SourceID)
		bySeverity[ev.DrugB.Name] = ev.Severity
		byLevel[ev.DrugB.Name] = ev.EvidenceLevel
	}

	// warfarin steht im Boxed Warning UND in den Drug Interactions: der
	// strengste Abschnitt gewinnt, eine Evidenz pro Partner und Label.
	assert.Equal(t, models.SeverityMajor, bySeverity["warfarin"])
	assert.Equal(t, models.SeverityModerate, bySeverity["omeprazole"])
	assert.Equal(t, models.SeverityMinor, bySeverity["ondansetron"])

	// Regulatorischer Text ist autoritativ, außer bei rein informativen Abschnitten.
	assert.Equal(t, models.LevelHigh, byLevel["warfarin"])
	assert.Equal(t, models.LevelMedium, byLevel["ondansetron"])
}

func TestExtractFallsBackToLabelID(t *testing.T) {
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[{"id":"fallback-id","drug_interactions":["Avoid warfarin."]}]}`))
	})

	evidence, err := fetcher.Extract(context.Background(), models.DrugRef{Name: "fluorouracil"}, sources.Options{})
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	assert.Equal(t, "fallback-id", evidence[0].SourceID)
	assert.Equal(t, models.SeverityModerate, evidence[0].Severity)
}

func TestExtractTreatsNotFoundAsEmptyResult(t *testing.T) {
	// openFDA meldet leere Treffermengen als 404: kein Quell-Fehler, der
	// Wirkstoff hat schlicht keine Fachinformationen.
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	evidence, err := fetcher.Extract(context.Background(), models.DrugRef{Name: "obscurinib"}, sources.Options{})
	require.NoError(t, err)
	assert.Empty(t, evidence)
}

func TestExtractPropagatesRateLimit(t *testing.T) {
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := fetcher.Extract(context.Background(), models.DrugRef{Name: "fluorouracil"}, sources.Options{})
	require.Error(t, err)
	assert.True(t, sources.IsRateLimited(err))
}
