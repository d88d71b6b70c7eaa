package literature

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gdogra/OncoSafeRx-sub018/config"
	"github.com/gdogra/OncoSafeRx-sub018/models"
	"github.com/gdogra/OncoSafeRx-sub018/resolver"
	"github.com/gdogra/OncoSafeRx-sub018/sources"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

// Fetcher implementiert das Extractor-Interface für die PubMed-Literatursuche.
type Fetcher struct {
	Config   *config.Config
	Logger   *zap.Logger
	Resolver *resolver.Client
}

// NewFetcher erstellt einen neuen Literatur-Extraktor.
func NewFetcher(cfg *config.Config, logger *zap.Logger, res *resolver.Client) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger, Resolver: res}
}

// Name gibt den Namen des Extraktors zurück.
func (f *Fetcher) Name() string {
	return "publications"
}

// SourceType gibt den Quelltyp der erzeugten Evidenzen zurück.
func (f *Fetcher) SourceType() models.SourceType {
	return models.SourcePublication
}

// Extract sucht Interaktions-Literatur zum Wirkstoff: ESearch nach
// Ko-Okkurrenz mit dem Interaktionsvokabular, dann EFetch der Abstracts.
// Mechanismus-Phrasen kommen aus festem Pattern-Matching (kein NLP), das
// Evidence-Level aus dem Publikationstyp (Meta-Analysen > Fallberichte).
func (f *Fetcher) Extract(ctx context.Context, drug models.DrugRef, opts sources.Options) ([]*models.Evidence, error) {
	log := f.Logger.With(zap.String("source", f.Name()), zap.String("drug", drug.Name))
	log.Info("Starte Literatursuche auf PubMed.")

	pmids, err := f.searchIDs(ctx, drug.Name, opts)
	if err != nil {
		return nil, err
	}
	log.Info("ESearch abgeschlossen", zap.Int("pmids", len(pmids)))

	var evidence []*models.Evidence
	var throttled error
	var mu sync.Mutex
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, 5) // Parallele EFetch-Abfragen limitieren

	for _, pmid := range pmids {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(pmid string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			items, err := f.evidenceForPMID(ctx, drug, pmid)
			if err != nil {
				if sources.IsRateLimited(err) {
					// Eine Drosselung betrifft die ganze Quelle, nicht nur
					// diese PMID: nach oben melden, damit der Orchestrator
					// den Quell-Backoff setzt.
					mu.Lock()
					if throttled == nil {
						throttled = err
					}
					mu.Unlock()
					return
				}
				f.Logger.Warn("Konnte Abstract für PMID nicht verarbeiten",
					zap.String("pmid", pmid), zap.Error(err))
				return
			}
			mu.Lock()
			evidence = append(evidence, items...)
			mu.Unlock()
		}(pmid)
	}

	wg.Wait()
	if throttled != nil {
		return nil, throttled
	}
	log.Info("Literatursuche abgeschlossen", zap.Int("evidence", len(evidence)))
	return evidence, nil
}

// searchIDs führt die ESearch-Abfrage durch und gibt die PMIDs zurück.
func (f *Fetcher) searchIDs(ctx context.Context, drugName string, opts sources.Options) ([]string, error) {
	retmax := opts.MaxResults
	if retmax <= 0 {
		retmax = 50
	}
	term := fmt.Sprintf(`(%s[Title/Abstract]) AND ("drug interactions"[MeSH Terms] OR drug interaction*[Title/Abstract])`, drugName)
	searchURL := fmt.Sprintf("%s/esearch.fcgi?db=pubmed&term=%s&retmode=json&retmax=%d&tool=%s",
		f.Config.PubMedBaseURL, url.QueryEscape(term), retmax, url.QueryEscape(f.Config.PubMedTool))
	if f.Config.PubMedAPIKey != "" {
		searchURL += "&api_key=" + f.Config.PubMedAPIKey
	}
	f.Logger.Debug("Rufe ESearch-URL auf", zap.String("url", searchURL))

	policy := sources.RetryPolicy{Attempts: f.Config.SourceRetryAttempts, BaseBackoff: f.Config.SourceRetryBackoff}
	resp, err := sources.GetWithRetry(ctx, httpClient, f.Name(), searchURL, policy)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var esearchResp ESearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&esearchResp); err != nil {
		return nil, &sources.SourceUnavailableError{Source: f.Name(), Err: fmt.Errorf("decoding esearch response: %w", err)}
	}
	return esearchResp.ESearchResult.IdList, nil
}

// evidenceForPMID holt den Abstract einer PMID via EFetch und leitet daraus
// Evidenzen für alle ko-genannten Interaktionspartner ab.
func (f *Fetcher) evidenceForPMID(ctx context.Context, drug models.DrugRef, pmid string) ([]*models.Evidence, error) {
	efetchURL := fmt.Sprintf("%s/efetch.fcgi?db=pubmed&id=%s&retmode=xml&tool=%s",
		f.Config.PubMedBaseURL, pmid, url.QueryEscape(f.Config.PubMedTool))
	if f.Config.PubMedAPIKey != "" {
		efetchURL += "&api_key=" + f.Config.PubMedAPIKey
	}

	policy := sources.RetryPolicy{Attempts: f.Config.SourceRetryAttempts, BaseBackoff: f.Config.SourceRetryBackoff}
	resp, err := sources.GetWithRetry(ctx, httpClient, f.Name(), efetchURL, policy)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var articleSet PubmedArticleSet
	if err := xml.NewDecoder(resp.Body).Decode(&articleSet); err != nil {
		return nil, err
	}
	if len(articleSet.PubmedArticle) == 0 {
		return nil, fmt.Errorf("kein PubmedArticle in EFetch-Antwort für PMID %s", pmid)
	}

	article := &articleSet.PubmedArticle[0]
	text := article.MedlineCitation.Article.Title + "\n" +
		strings.Join(article.MedlineCitation.Article.Abstract.Text, "\n")

	partners := sources.FindDrugMentions(text, drug.Name)
	if len(partners) == 0 {
		return nil, nil
	}

	pubTypes := article.MedlineCitation.Article.PublicationTypeList.PublicationType
	level := evidenceLevelFromPubTypes(pubTypes)
	severity := sources.SeverityFromNarrative(text)
	mechanism := sources.FirstMechanismHint(text)
	studyType := ""
	if len(pubTypes) > 0 {
		studyType = pubTypes[0]
	}
	now := time.Now().UTC()

	var evidence []*models.Evidence
	for _, partner := range partners {
		ev := &models.Evidence{
			SourceType:        models.SourcePublication,
			SourceID:          pmid,
			DrugA:             drug,
			DrugB:             f.Resolver.RefFor(ctx, partner),
			Mechanism:         mechanism,
			Severity:          severity,
			EffectDescription: strings.TrimSpace(article.MedlineCitation.Article.Title),
			EvidenceLevel:     level,
			StudyType:         studyType,
			ExtractedAt:       now,
		}
		if err := ev.Validate(); err != nil {
			f.Logger.Warn("Verwerfe ungültige Evidenz aus Publikation",
				zap.String("pmid", pmid), zap.Error(err))
			continue
		}
		evidence = append(evidence, ev)
	}
	return evidence, nil
}

// evidenceLevelFromPubTypes bildet den Publikationstyp auf das Evidence-Level
// ab: Meta-Analysen und systematische Reviews oben, Fallberichte unten.
func evidenceLevelFromPubTypes(pubTypes []string) models.EvidenceLevel {
	level := models.LevelLow
	for _, pt := range pubTypes {
		lower := strings.ToLower(pt)
		switch {
		case strings.Contains(lower, "meta-analysis") || strings.Contains(lower, "systematic review"):
			return models.LevelHigh
		case strings.Contains(lower, "randomized controlled trial") || strings.Contains(lower, "clinical trial"):
			level = models.LevelMedium
		case strings.Contains(lower, "observational") || strings.Contains(lower, "cohort"):
			if level == models.LevelLow {
				level = models.LevelMedium
			}
		}
	}
	return level
}
