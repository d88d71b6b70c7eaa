package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gdogra/OncoSafeRx-sub018/config"
	"github.com/gdogra/OncoSafeRx-sub018/models"
	"github.com/gdogra/OncoSafeRx-sub018/resolver"
	"github.com/gdogra/OncoSafeRx-sub018/sources"
	"github.com/gdogra/OncoSafeRx-sub018/storage"
)

// OrchestrationFatalError ist der einzige Fehler, der einen ganzen Run auf
// failed setzt: der Storage-Collaborator war beim Finalisieren nicht erreichbar.
type OrchestrationFatalError struct {
	RunID string
	Err   error
}

func (e *OrchestrationFatalError) Error() string {
	return fmt.Sprintf("mining run %s could not be finalized: %v", e.RunID, e.Err)
}

func (e *OrchestrationFatalError) Unwrap() error {
	return e.Err
}

// MiningConfig sind die pro Run wirksamen Orchestrierungs-Optionen.
type MiningConfig struct {
	EnableClinicalTrials   bool          `json:"enable_clinical_trials"`
	EnableRegulatoryLabels bool          `json:"enable_regulatory_labels"`
	EnablePublications     bool          `json:"enable_publications"`
	MaxResultsPerSource    int           `json:"max_results_per_source"`
	ConcurrencyLimit       int           `json:"concurrency_limit"`
	PerSourceTimeout       time.Duration `json:"per_source_timeout"`
}

// DefaultMiningConfig leitet die Run-Defaults aus der Umgebungskonfiguration ab.
func DefaultMiningConfig(cfg *config.Config) MiningConfig {
	enabled := map[string]bool{}
	for _, name := range splitList(cfg.EnabledSources) {
		enabled[name] = true
	}
	return MiningConfig{
		EnableClinicalTrials:   enabled["clinical_trials"],
		EnableRegulatoryLabels: enabled["regulatory_labels"],
		EnablePublications:     enabled["publications"],
		MaxResultsPerSource:    cfg.MaxResultsPerSource,
		ConcurrencyLimit:       cfg.ConcurrencyLimit,
		PerSourceTimeout:       cfg.PerSourceTimeout,
	}
}

// sourceEnabled prüft, ob der Extraktor in dieser Konfiguration aktiv ist.
func (c MiningConfig) sourceEnabled(name string) bool {
	switch name {
	case "clinical_trials":
		return c.EnableClinicalTrials
	case "regulatory_labels":
		return c.EnableRegulatoryLabels
	case "publications":
		return c.EnablePublications
	default:
		return false
	}
}

// MiningService orchestriert die Evidenz-Extraktion über Quellen und
// Wirkstoffe: paralleler Fan-Out pro Wirkstoff, begrenzte Parallelität über
// die Wirkstoffliste, Toleranz gegen Einzel-Quell-Ausfälle, Normalisierung
// und Persistierung der kanonischen Records.
type MiningService struct {
	Config     *config.Config
	DB         *gorm.DB
	S3Client   *s3.Client
	Logger     *zap.Logger
	Resolver   *resolver.Client
	Extractors []sources.Extractor
	Normalizer *EvidenceNormalizer
	Cache      *FlightCache

	mu               sync.Mutex
	progress         models.RunProgress
	rateLimitedUntil map[string]time.Time
}

// NewMiningService erstellt eine neue Instanz des MiningService.
func NewMiningService(cfg *config.Config, db *gorm.DB, s3Client *s3.Client, logger *zap.Logger,
	res *resolver.Client, extractors []sources.Extractor) *MiningService {
	return &MiningService{
		Config:           cfg,
		DB:               db,
		S3Client:         s3Client,
		Logger:           logger,
		Resolver:         res,
		Extractors:       extractors,
		Normalizer:       NewEvidenceNormalizer(logger),
		Cache:            NewFlightCache(cfg.ExtractCacheTTL),
		progress:         models.RunProgress{Phase: models.PhaseDone, SourceErrors: map[string]int{}},
		rateLimitedUntil: map[string]time.Time{},
	}
}

// Progress gibt die Momentaufnahme des laufenden (oder letzten) Runs zurück.
func (m *MiningService) Progress() models.RunProgress {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.progress
	snapshot.SourceErrors = make(map[string]int, len(m.progress.SourceErrors))
	for source, count := range m.progress.SourceErrors {
		snapshot.SourceErrors[source] = count
	}
	return snapshot
}

// drugResult bündelt das Ergebnis der Extraktion für einen Wirkstoff.
type drugResult struct {
	records  []models.InteractionRecord
	evidence []*models.Evidence
	invalid  int
	errs     []string
}

// MineForDrug extrahiert, normalisiert und persistiert die Interaktions-Records
// für einen einzelnen Wirkstoff.
func (m *MiningService) MineForDrug(ctx context.Context, drugName string, mcfg MiningConfig) ([]models.InteractionRecord, error) {
	result := m.mineDrug(ctx, drugName, mcfg)
	if len(result.records) > 0 {
		if _, _, err := m.persistRecords(result.records); err != nil {
			return nil, err
		}
	}
	if len(result.records) == 0 && len(result.errs) > 0 {
		return nil, fmt.Errorf("no source succeeded for %s: %s", drugName, result.errs[0])
	}
	return result.records, nil
}

// mineDrug führt die Pro-Wirkstoff-Prozedur aus: alle aktivierten Extraktoren
// parallel aufrufen, auf alle warten (bzw. bis zum Per-Source-Timeout), das
// Gesammelte normalisieren. Eine schnelle Quelle darf sich nicht vordrängeln:
// normalisiert wird erst, wenn jede aktivierte Quelle geantwortet hat oder
// ausgelaufen ist.
func (m *MiningService) mineDrug(ctx context.Context, drugName string, mcfg MiningConfig) drugResult {
	log := m.Logger.With(zap.String("drug", drugName))
	log.Info("Starte Evidenz-Extraktion für Wirkstoff.")

	target := m.Resolver.RefFor(ctx, drugName)
	opts := sources.Options{MaxResults: mcfg.MaxResultsPerSource}

	var result drugResult
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, extractor := range m.Extractors {
		if !mcfg.sourceEnabled(extractor.Name()) {
			continue
		}
		if until, limited := m.rateLimitActive(extractor.Name()); limited {
			mu.Lock()
			result.errs = append(result.errs, fmt.Sprintf("%s: %s skipped, rate limit backoff until %s",
				drugName, extractor.Name(), until.Format(time.RFC3339)))
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(ex sources.Extractor) {
			defer wg.Done()

			srcCtx := ctx
			cancel := context.CancelFunc(func() {})
			if mcfg.PerSourceTimeout > 0 {
				srcCtx, cancel = context.WithTimeout(ctx, mcfg.PerSourceTimeout)
			}
			defer cancel()

			key := sources.CacheKey(ex.SourceType(), drugName, opts)
			evidence, err := m.Cache.Fetch(key, func() ([]*models.Evidence, error) {
				return ex.Extract(srcCtx, target, opts)
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.recordSourceError(ex.Name())
				if sources.IsRateLimited(err) {
					m.enterRateLimitBackoff(ex.Name(), err)
				}
				result.errs = append(result.errs, fmt.Sprintf("%s: %s: %v", drugName, ex.Name(), err))
				log.Warn("Quell-Extraktion fehlgeschlagen", zap.String("source", ex.Name()), zap.Error(err))
				return
			}
			result.evidence = append(result.evidence, evidence...)
			log.Info("Quell-Extraktion abgeschlossen",
				zap.String("source", ex.Name()), zap.Int("evidence", len(evidence)))
		}(extractor)
	}

	wg.Wait()

	if len(result.evidence) == 0 {
		log.Warn("Keine Evidenz für Wirkstoff gesammelt", zap.Int("source_errors", len(result.errs)))
		return result
	}

	// Phase spiegelt die zuletzt begonnene Aktivität wider; bei parallelem
	// Fan-Out über die Wirkstoffliste wechselt sie pro Wirkstoff.
	m.setPhase(models.PhaseNormalizing)

	// Referenzzeit für die Recency-Bewertung: unabhängig von der gesammelten
	// Evidenzmenge, damit Korroboration die Konfidenz nie senken kann.
	records := m.Normalizer.Normalize(time.Now().UTC(), result.evidence)
	valid, invalid := m.Normalizer.ValidateNormalizedOutput(records)
	result.records = valid
	result.invalid = len(invalid)

	log.Info("Normalisierung abgeschlossen",
		zap.Int("evidence", len(result.evidence)),
		zap.Int("records", len(valid)),
		zap.Int("invalid_records", len(invalid)))
	return result
}

// MineForDrugList führt einen vollständigen Mining-Run über eine Wirkstoffliste
// aus. Wirkstoff- und Quell-Fehler werden in den Run-Stats absorbiert; nur ein
// nicht erreichbarer Storage beim Finalisieren lässt den Run scheitern.
func (m *MiningService) MineForDrugList(ctx context.Context, drugNames []string, mcfg MiningConfig) (*models.MiningRun, error) {
	if mcfg.ConcurrencyLimit <= 0 {
		mcfg.ConcurrencyLimit = 1
	}

	run := &models.MiningRun{
		RunID:           uuid.NewString(),
		Status:          models.RunRunning,
		DrugsRequested:  mustJSON(drugNames),
		PerSourceConfig: mustJSON(mcfg),
		StartedAt:       time.Now().UTC(),
	}
	log := m.Logger.With(zap.String("run_id", run.RunID))
	log.Info("Starte Mining-Run", zap.Int("drugs", len(drugNames)))

	if err := m.DB.Create(run).Error; err != nil {
		// Nicht fatal: der Run läuft weiter, finalize persistiert erneut.
		log.Warn("Initiales Speichern des Mining-Runs fehlgeschlagen", zap.Error(err))
	}

	m.setProgress(models.RunProgress{
		RunID:        run.RunID,
		Phase:        models.PhaseExtracting,
		DrugsTotal:   len(drugNames),
		SourceErrors: map[string]int{},
	})

	var stats models.RunStats
	var runErrors []string
	var allEvidence []models.EvidenceRecord
	var statsMu sync.Mutex

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, mcfg.ConcurrencyLimit) // Begrenzte Parallelität über die Wirkstoffliste
	cancelled := false

	for _, drugName := range drugNames {
		if ctx.Err() != nil {
			cancelled = true
			break // Keine neuen Wirkstoffe mehr einplanen; Teilergebnisse bleiben erhalten
		}

		wg.Add(1)
		semaphore <- struct{}{}

		go func(drugName string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			result := m.mineDrug(ctx, drugName, mcfg)

			added, updated := 0, 0
			if len(result.records) > 0 {
				var err error
				added, updated, err = m.persistRecords(result.records)
				if err != nil {
					result.errs = append(result.errs, fmt.Sprintf("%s: persisting records: %v", drugName, err))
				}
			}
			if len(result.evidence) == 0 && len(result.errs) > 0 {
				result.errs = append(result.errs, fmt.Sprintf("%s: all enabled sources failed", drugName))
			}

			statsMu.Lock()
			stats.DrugsProcessed++
			stats.EvidenceGathered += len(result.evidence)
			stats.RecordsAdded += added
			stats.RecordsUpdated += updated
			stats.RecordsInvalid += result.invalid
			runErrors = append(runErrors, result.errs...)
			for _, ev := range result.evidence {
				allEvidence = append(allEvidence, ev.ToRecordForm())
			}
			statsMu.Unlock()

			m.incrementDrugsCompleted()
		}(drugName)
	}

	wg.Wait()

	if cancelled {
		runErrors = append(runErrors, "run cancelled before all drugs were processed")
		log.Warn("Mining-Run abgebrochen, Teilergebnisse wurden persistiert")
	}

	m.setPhase(models.PhasePersisting)

	if m.Config.ArchiveEnabled && m.S3Client != nil && len(allEvidence) > 0 {
		if link, err := m.archiveEvidence(run.RunID, allEvidence); err != nil {
			log.Warn("Evidenz-Archivierung fehlgeschlagen", zap.Error(err))
			runErrors = append(runErrors, fmt.Sprintf("evidence archive: %v", err))
		} else {
			run.ArchiveLink = link
		}
	}

	stats.ErrorCount = len(runErrors)
	run.Stats = mustJSON(stats)
	run.Errors = mustJSON(runErrors)
	run.Status = models.RunCompleted
	now := time.Now().UTC()
	run.CompletedAt = &now

	if err := m.DB.Save(run).Error; err != nil {
		run.Status = models.RunFailed
		m.setPhase(models.PhaseDone)
		return run, &OrchestrationFatalError{RunID: run.RunID, Err: err}
	}

	m.setPhase(models.PhaseDone)
	log.Info("Mining-Run abgeschlossen",
		zap.Int("drugs_processed", stats.DrugsProcessed),
		zap.Int("evidence", stats.EvidenceGathered),
		zap.Int("records_added", stats.RecordsAdded),
		zap.Int("records_updated", stats.RecordsUpdated),
		zap.Int("errors", stats.ErrorCount))
	return run, nil
}

// persistRecords upsertet kanonische Records idempotent über den Pair-Key.
func (m *MiningService) persistRecords(records []models.InteractionRecord) (added, updated int, err error) {
	for i := range records {
		record := &records[i]

		var existing models.InteractionRecord
		findErr := m.DB.Where("pair_key = ?", record.PairKey).First(&existing).Error
		switch {
		case findErr == nil:
			updated++
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			added++
		default:
			return added, updated, findErr
		}

		if err := m.DB.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "pair_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"drug_a_name", "drug_b_name", "consensus_severity", "confidence_score",
				"mechanisms", "contributing_evidence_ids", "source_types",
				"name_based_key", "evidence_count", "last_updated", "updated_at",
			}),
		}).Create(record).Error; err != nil {
			return added, updated, err
		}
	}
	return added, updated, nil
}

// archiveEvidence legt die flachen Evidenz-Records eines Runs als JSON im
// S3-Archiv ab (Audit-Trail).
func (m *MiningService) archiveEvidence(runID string, evidence []models.EvidenceRecord) (string, error) {
	data, err := json.Marshal(evidence)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("mining-runs/%s/evidence.json", runID)
	return storage.UploadObject(m.S3Client, m.Config.ArchiveS3Bucket, key, data, m.Config)
}

// rateLimitActive prüft, ob für die Quelle noch ein Drossel-Backoff läuft.
func (m *MiningService) rateLimitActive(source string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.rateLimitedUntil[source]
	if !ok || time.Now().After(until) {
		return time.Time{}, false
	}
	return until, true
}

// enterRateLimitBackoff setzt den quell-spezifischen, längeren Backoff nach
// einer Drosselung; er ist bewusst getrennt vom generischen Retry.
func (m *MiningService) enterRateLimitBackoff(source string, err error) {
	backoff := m.Config.RateLimitBackoff
	var rl *sources.RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > backoff {
		backoff = rl.RetryAfter
	}
	m.mu.Lock()
	m.rateLimitedUntil[source] = time.Now().Add(backoff)
	m.mu.Unlock()
	m.Logger.Warn("Quelle gedrosselt, setze Backoff",
		zap.String("source", source), zap.Duration("backoff", backoff))
}

func (m *MiningService) recordSourceError(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.progress.SourceErrors == nil {
		m.progress.SourceErrors = map[string]int{}
	}
	m.progress.SourceErrors[source]++
}

func (m *MiningService) setProgress(p models.RunProgress) {
	m.mu.Lock()
	m.progress = p
	m.mu.Unlock()
}

func (m *MiningService) setPhase(phase models.RunPhase) {
	m.mu.Lock()
	m.progress.Phase = phase
	m.mu.Unlock()
}

func (m *MiningService) incrementDrugsCompleted() {
	m.mu.Lock()
	m.progress.DrugsCompleted++
	m.mu.Unlock()
}

// splitList zerlegt eine Komma-Liste aus der Konfiguration.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
