package trials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gdogra/OncoSafeRx-sub018/config"
	"github.com/gdogra/OncoSafeRx-sub018/models"
	"github.com/gdogra/OncoSafeRx-sub018/resolver"
	"github.com/gdogra/OncoSafeRx-sub018/sources"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

// Fetcher implementiert das Extractor-Interface für ClinicalTrials.gov.
type Fetcher struct {
	Config   *config.Config
	Logger   *zap.Logger
	Resolver *resolver.Client
}

// NewFetcher erstellt einen neuen ClinicalTrials.gov-Extraktor.
func NewFetcher(cfg *config.Config, logger *zap.Logger, res *resolver.Client) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger, Resolver: res}
}

// Name gibt den Namen des Extraktors zurück.
func (f *Fetcher) Name() string {
	return "clinical_trials"
}

// SourceType gibt den Quelltyp der erzeugten Evidenzen zurück.
func (f *Fetcher) SourceType() models.SourceType {
	return models.SourceClinicalTrial
}

// Extract sucht Studien zum Wirkstoff und leitet Evidenzen aus Studien ab, die
// einen zweiten Wirkstoff in den Ausschlusskriterien nennen. Der Schweregrad
// folgt heuristisch der Ausschluss-Begründung, das Evidence-Level dem
// Studiendesign (randomisiert > interventionell > beobachtend).
func (f *Fetcher) Extract(ctx context.Context, drug models.DrugRef, opts sources.Options) ([]*models.Evidence, error) {
	log := f.Logger.With(zap.String("source", f.Name()), zap.String("drug", drug.Name))
	log.Info("Starte Studiensuche auf ClinicalTrials.gov.")

	pageSize := opts.MaxResults
	if pageSize <= 0 {
		pageSize = 50
	}
	searchURL := fmt.Sprintf("%s/studies?query.term=%s&pageSize=%d&format=json",
		f.Config.TrialsBaseURL, url.QueryEscape(drug.Name), pageSize)
	log.Debug("Rufe Studien-API auf", zap.String("url", searchURL))

	policy := sources.RetryPolicy{Attempts: f.Config.SourceRetryAttempts, BaseBackoff: f.Config.SourceRetryBackoff}
	resp, err := sources.GetWithRetry(ctx, httpClient, f.Name(), searchURL, policy)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var studiesResp StudiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&studiesResp); err != nil {
		return nil, &sources.SourceUnavailableError{Source: f.Name(), Err: fmt.Errorf("decoding studies response: %w", err)}
	}

	var evidence []*models.Evidence
	for _, study := range studiesResp.Studies {
		evidence = append(evidence, f.evidenceFromStudy(ctx, drug, &study)...)
	}

	log.Info("Studiensuche abgeschlossen",
		zap.Int("studies", len(studiesResp.Studies)),
		zap.Int("evidence", len(evidence)))
	return evidence, nil
}

// evidenceFromStudy leitet aus einer einzelnen Studie null oder mehr Evidenzen
// ab: eine pro Interaktionspartner, der in den Ausschlusskriterien genannt wird.
func (f *Fetcher) evidenceFromStudy(ctx context.Context, drug models.DrugRef, study *Study) []*models.Evidence {
	nctID := study.ProtocolSection.IdentificationModule.NCTID
	if nctID == "" {
		return nil
	}

	exclusion := exclusionSection(study.ProtocolSection.EligibilityModule.EligibilityCriteria)
	if exclusion == "" {
		return nil
	}

	partners := sources.FindDrugMentions(exclusion, drug.Name)
	if len(partners) == 0 {
		return nil
	}

	level := evidenceLevelFromDesign(study)
	now := time.Now().UTC()

	var evidence []*models.Evidence
	for _, partner := range partners {
		line := lineMentioning(exclusion, partner)
		ev := &models.Evidence{
			SourceType:        models.SourceClinicalTrial,
			SourceID:          nctID,
			DrugA:             drug,
			DrugB:             f.Resolver.RefFor(ctx, partner),
			Mechanism:         sources.FirstMechanismHint(line),
			Severity:          sources.SeverityFromNarrative(line),
			EffectDescription: strings.TrimSpace(line),
			EvidenceLevel:     level,
			StudyType:         study.ProtocolSection.DesignModule.StudyType,
			ExtractedAt:       now,
		}
		if err := ev.Validate(); err != nil {
			f.Logger.Warn("Verwerfe ungültige Evidenz aus Studie",
				zap.String("nct_id", nctID), zap.Error(err))
			continue
		}
		evidence = append(evidence, ev)
	}
	return evidence
}

// exclusionSection schneidet den Ausschluss-Teil aus den Eligibility-Kriterien.
func exclusionSection(criteria string) string {
	lower := strings.ToLower(criteria)
	idx := strings.Index(lower, "exclusion criteria")
	if idx < 0 {
		return ""
	}
	return criteria[idx:]
}

// lineMentioning gibt die erste Zeile zurück, die den Partner nennt. Die Zeile
// trägt die Ausschluss-Begründung und damit das Schweregrad-Signal.
func lineMentioning(text, partner string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(strings.ToLower(line), partner) {
			return line
		}
	}
	return text
}

// evidenceLevelFromDesign bildet Studientyp und Phase auf das Evidence-Level ab.
func evidenceLevelFromDesign(study *Study) models.EvidenceLevel {
	design := study.ProtocolSection.DesignModule
	if strings.EqualFold(design.DesignInfo.Allocation, "RANDOMIZED") {
		return models.LevelHigh
	}
	for _, phase := range design.Phases {
		if phase == "PHASE3" || phase == "PHASE4" {
			return models.LevelHigh
		}
	}
	if strings.EqualFold(design.StudyType, "INTERVENTIONAL") {
		return models.LevelMedium
	}
	return models.LevelLow
}
