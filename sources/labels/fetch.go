package labels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/gdogra/OncoSafeRx-sub018/config"
	"github.com/gdogra/OncoSafeRx-sub018/models"
	"github.com/gdogra/OncoSafeRx-sub018/resolver"
	"github.com/gdogra/OncoSafeRx-sub018/sources"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

// labelSection verbindet einen SPL-Abschnitt mit seiner festen
// Schweregrad-Zuordnung. Reihenfolge absteigend nach Schweregrad: bei
// Mehrfach-Nennungen desselben Partners gewinnt der strengste Abschnitt,
// weil die Deduplizierung die erste (schwerste) Evidenz pro Label behält.
type labelSection struct {
	name          string
	severity      models.Severity
	informational bool
	texts         func(*Label) []string
}

var labelSections = []labelSection{
	{"boxed_warning", models.SeverityMajor, false, func(l *Label) []string { return l.BoxedWarning }},
	{"contraindications", models.SeverityMajor, false, func(l *Label) []string { return l.Contraindications }},
	{"warnings", models.SeverityModerate, false, func(l *Label) []string { return l.Warnings }},
	{"warnings_and_cautions", models.SeverityModerate, false, func(l *Label) []string { return l.WarningsAndCautions }},
	{"drug_interactions", models.SeverityModerate, false, func(l *Label) []string { return l.DrugInteractions }},
	{"precautions", models.SeverityMinor, false, func(l *Label) []string { return l.Precautions }},
	{"information_for_patients", models.SeverityMinor, true, func(l *Label) []string { return l.InformationForPatients }},
}

// Fetcher implementiert das Extractor-Interface für openFDA-Fachinformationen.
type Fetcher struct {
	Config   *config.Config
	Logger   *zap.Logger
	Resolver *resolver.Client
}

// NewFetcher erstellt einen neuen Label-Extraktor.
func NewFetcher(cfg *config.Config, logger *zap.Logger, res *resolver.Client) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger, Resolver: res}
}

// Name gibt den Namen des Extraktors zurück.
func (f *Fetcher) Name() string {
	return "regulatory_labels"
}

// SourceType gibt den Quelltyp der erzeugten Evidenzen zurück.
func (f *Fetcher) SourceType() models.SourceType {
	return models.SourceRegulatoryLabel
}

// Extract sucht die Fachinformationen des Wirkstoffs und erzeugt Evidenzen aus
// den interaktionsrelevanten Abschnitten. Der Schweregrad folgt der festen
// Abschnitts-Zuordnung (contraindicated→major, warning→moderate,
// precaution→minor); das Evidence-Level ist high, da regulatorischer Text
// autoritativ ist, außer bei rein informativen Abschnitten.
func (f *Fetcher) Extract(ctx context.Context, drug models.DrugRef, opts sources.Options) ([]*models.Evidence, error) {
	log := f.Logger.With(zap.String("source", f.Name()), zap.String("drug", drug.Name))
	log.Info("Starte Label-Suche auf openFDA.")

	limit := opts.MaxResults
	if limit <= 0 || limit > 99 {
		limit = 25 // openFDA deckelt bei 99, mehr Labels bringen nur Versionsrauschen
	}
	query := fmt.Sprintf(`openfda.generic_name:"%s"`, drug.Name)
	searchURL := fmt.Sprintf("%s?search=%s&limit=%d", f.Config.LabelsBaseURL, url.QueryEscape(query), limit)
	if f.Config.LabelsAPIKey != "" {
		searchURL += "&api_key=" + f.Config.LabelsAPIKey
	}
	log.Debug("Rufe openFDA-API auf", zap.String("url", searchURL))

	policy := sources.RetryPolicy{Attempts: f.Config.SourceRetryAttempts, BaseBackoff: f.Config.SourceRetryBackoff}
	resp, err := sources.GetWithRetry(ctx, httpClient, f.Name(), searchURL, policy)
	if err != nil {
		if errors.Is(err, sources.ErrNotFound) {
			// openFDA antwortet auf leere Treffermengen mit 404: kein
			// Quell-Ausfall, der Wirkstoff hat schlicht keine Labels.
			log.Info("Keine Fachinformationen für Wirkstoff gefunden.")
			return nil, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	var searchResp SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, &sources.SourceUnavailableError{Source: f.Name(), Err: fmt.Errorf("decoding label response: %w", err)}
	}

	var evidence []*models.Evidence
	for i := range searchResp.Results {
		evidence = append(evidence, f.evidenceFromLabel(ctx, drug, &searchResp.Results[i])...)
	}

	log.Info("Label-Suche abgeschlossen",
		zap.Int("labels", len(searchResp.Results)),
		zap.Int("evidence", len(evidence)))
	return evidence, nil
}

// evidenceFromLabel erzeugt pro genanntem Interaktionspartner eine Evidenz aus
// dem jeweils strengsten Abschnitt, der ihn nennt.
func (f *Fetcher) evidenceFromLabel(ctx context.Context, drug models.DrugRef, label *Label) []*models.Evidence {
	sourceID := label.SetID
	if sourceID == "" {
		sourceID = label.ID
	}
	if sourceID == "" {
		return nil
	}

	now := time.Now().UTC()
	seen := map[string]bool{}

	var evidence []*models.Evidence
	for _, section := range labelSections {
		for _, text := range section.texts(label) {
			for _, partner := range sources.FindDrugMentions(text, drug.Name) {
				if seen[partner] {
					continue // strengster Abschnitt für diesen Partner bereits erfasst
				}
				seen[partner] = true

				level := models.LevelHigh
				if section.informational {
					level = models.LevelMedium
				}

				ev := &models.Evidence{
					SourceType:        models.SourceRegulatoryLabel,
					SourceID:          sourceID,
					DrugA:             drug,
					DrugB:             f.Resolver.RefFor(ctx, partner),
					Mechanism:         sources.FirstMechanismHint(text),
					Severity:          section.severity,
					EffectDescription: fmt.Sprintf("label section %s mentions %s", section.name, partner),
					EvidenceLevel:     level,
					StudyType:         "structured product label",
					ExtractedAt:       now,
				}
				if err := ev.Validate(); err != nil {
					f.Logger.Warn("Verwerfe ungültige Evidenz aus Label",
						zap.String("set_id", sourceID), zap.Error(err))
					continue
				}
				evidence = append(evidence, ev)
			}
		}
	}
	return evidence
}
