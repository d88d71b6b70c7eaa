package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/gdogra/OncoSafeRx-sub018/models"
)

// NormalizationConflictError meldet einen Record, dessen Merge-Invarianten
// nicht erfüllbar sind (z.B. leere Evidenzliste nach Deduplizierung).
// Solche Records werden gemeldet und ausgeschlossen, nie persistiert.
type NormalizationConflictError struct {
	PairKey string
	Reason  string
}

func (e *NormalizationConflictError) Error() string {
	return fmt.Sprintf("normalization conflict for pair %s: %s", e.PairKey, e.Reason)
}

// severitySynonyms ist die feste Ordinal-Tabelle, die heterogene
// Schweregrad-Begriffe der Quellen auf {minor, moderate, major} abbildet.
var severitySynonyms = map[string]models.Severity{
	"contraindicated": models.SeverityMajor,
	"severe":          models.SeverityMajor,
	"serious":         models.SeverityMajor,
	"high":            models.SeverityMajor,
	"major":           models.SeverityMajor,
	"warning":         models.SeverityModerate,
	"significant":     models.SeverityModerate,
	"medium":          models.SeverityModerate,
	"moderate":        models.SeverityModerate,
	"precaution":      models.SeverityMinor,
	"caution":         models.SeverityMinor,
	"mild":            models.SeverityMinor,
	"weak":            models.SeverityMinor,
	"low":             models.SeverityMinor,
	"minor":           models.SeverityMinor,
}

// CanonicalSeverity bildet einen Schweregrad-Begriff über die feste Tabelle ab.
func CanonicalSeverity(term string) (models.Severity, bool) {
	sev, ok := severitySynonyms[strings.ToLower(strings.TrimSpace(term))]
	return sev, ok
}

var (
	cypPattern   = regexp.MustCompile(`^(?:CYTOCHROMEP450|CYP)(\d+[A-Z]\d*)$`)
	pgpPattern   = regexp.MustCompile(`^P?GLYCOPROTEIN$|^PGP$`)
	qtPattern    = regexp.MustCompile(`^QTC?PROLONGATION$`)
	nonAlnumExpr = regexp.MustCompile(`[^A-Z0-9]+`)
)

// CanonicalMechanism faltet eine Mechanismus-Phrase auf ihr kanonisches Token:
// Groß-/Kleinschreibung, Leerzeichen und Synonyme werden normalisiert, z.B.
// "CYP 3A4" und "cytochrome P450 3A4" beide zu "CYP3A4". Die Abbildung ist
// idempotent: ein bereits kanonisches Token bildet auf sich selbst ab.
func CanonicalMechanism(raw string) string {
	folded := nonAlnumExpr.ReplaceAllString(strings.ToUpper(strings.TrimSpace(raw)), "")
	if folded == "" {
		return ""
	}
	if m := cypPattern.FindStringSubmatch(folded); m != nil {
		return "CYP" + m[1]
	}
	if pgpPattern.MatchString(folded) {
		return "P-GP"
	}
	if qtPattern.MatchString(folded) {
		return "QT-PROLONGATION"
	}
	// "P-GP" selbst faltet zu "PGP" und muss wieder auf "P-GP" landen;
	// alle übrigen Tokens bleiben in der gefalteten Form stehen.
	return folded
}

// EvidenceNormalizer kanonisiert, dedupliziert und merged Evidenz zu
// kanonischen Interaktions-Records. Jeder Durchlauf ist eine reine Funktion
// über die vollständige Evidenzmenge eines Paars (recompute, nie patchen).
type EvidenceNormalizer struct {
	Logger *zap.Logger
}

// NewEvidenceNormalizer erstellt einen neuen Normalizer.
func NewEvidenceNormalizer(logger *zap.Logger) *EvidenceNormalizer {
	return &EvidenceNormalizer{Logger: logger}
}

// Normalize gruppiert Evidenz nach Pair-Key, dedupliziert innerhalb der Quelle
// und berechnet pro Gruppe einen Konsens-Record. Ungültige Evidenz wird
// geloggt und verworfen, nie persistiert. ref ist der Referenzzeitpunkt für
// die Recency-Bewertung aller Evidence-Scores; er kommt vom Aufrufer und ist
// unabhängig von der Gruppenzusammensetzung, damit zusätzliche Evidenz die
// Scores der bestehenden nie verändert.
func (n *EvidenceNormalizer) Normalize(ref time.Time, evidence []*models.Evidence) []models.InteractionRecord {
	groups := make(map[string][]*models.Evidence)
	var keys []string

	for _, ev := range evidence {
		if err := ev.Validate(); err != nil {
			n.Logger.Warn("Verwerfe ungültige Evidenz bei der Normalisierung", zap.Error(err))
			continue
		}
		key := ev.PairKey()
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], ev)
	}
	sort.Strings(keys) // deterministische Ausgabe-Reihenfolge

	var records []models.InteractionRecord
	for _, key := range keys {
		record, err := n.mergeGroup(ref, key, groups[key])
		if err != nil {
			n.Logger.Warn("Gruppe ausgeschlossen", zap.String("pair_key", key), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records
}

// mergeGroup berechnet den Konsens-Record für die Evidenzgruppe eines Paars.
func (n *EvidenceNormalizer) mergeGroup(ref time.Time, pairKey string, group []*models.Evidence) (models.InteractionRecord, error) {
	deduped := dedupWithinSource(group)
	if len(deduped) == 0 {
		return models.InteractionRecord{}, &NormalizationConflictError{PairKey: pairKey, Reason: "no contributing evidence after dedup"}
	}

	// Nach Aktualität sortieren (neueste zuerst); Tie-Break über die ID,
	// damit wiederholte Normalisierung identische Ausgaben liefert.
	sort.Slice(deduped, func(i, j int) bool {
		if !deduped[i].ExtractedAt.Equal(deduped[j].ExtractedAt) {
			return deduped[i].ExtractedAt.After(deduped[j].ExtractedAt)
		}
		return deduped[i].DedupKey() < deduped[j].DedupKey()
	})

	consensus := deduped[0].Severity
	maxScore := 0.0
	nameBased := false
	evidenceIDs := make([]string, 0, len(deduped))
	typeSet := map[models.SourceType]bool{}
	mechanismSet := map[string]bool{}

	for _, ev := range deduped {
		consensus = models.MaxSeverity(consensus, ev.Severity)
		if score := ev.EvidenceScore(ref); score > maxScore {
			maxScore = score
		}
		evidenceIDs = append(evidenceIDs, ev.DedupKey())
		typeSet[ev.SourceType] = true
		nameBased = nameBased || ev.DrugA.NameBasedKey || ev.DrugB.NameBasedKey
		if token := CanonicalMechanism(ev.Mechanism); token != "" {
			mechanismSet[token] = true
		}
	}

	mechanisms := make([]string, 0, len(mechanismSet))
	for token := range mechanismSet {
		mechanisms = append(mechanisms, token)
	}
	sort.Strings(mechanisms)

	sourceTypes := make([]string, 0, len(typeSet))
	for st := range typeSet {
		sourceTypes = append(sourceTypes, string(st))
	}
	sort.Strings(sourceTypes)

	nameA, nameB := displayNames(deduped[0])

	return models.InteractionRecord{
		PairKey:                 pairKey,
		DrugAName:               nameA,
		DrugBName:               nameB,
		ConsensusSeverity:       consensus,
		ConfidenceScore:         confidenceScore(maxScore, len(typeSet), len(deduped)),
		Mechanisms:              mustJSON(mechanisms),
		ContributingEvidenceIDs: mustJSON(evidenceIDs),
		SourceTypes:             mustJSON(sourceTypes),
		NameBasedKey:            nameBased,
		EvidenceCount:           len(deduped),
		LastUpdated:             deduped[0].ExtractedAt,
	}, nil
}

// ValidateNormalizedOutput partitioniert Records nach Invarianten-Prüfung.
// Ungültige Records werden gemeldet statt still verworfen und nie persistiert.
func (n *EvidenceNormalizer) ValidateNormalizedOutput(records []models.InteractionRecord) (valid, invalid []models.InteractionRecord) {
	for _, record := range records {
		switch {
		case record.PairKey == "":
			n.Logger.Warn("Record ohne Pair-Key ausgeschlossen")
			invalid = append(invalid, record)
		case record.EvidenceCount == 0:
			n.Logger.Warn("Record ohne beitragende Evidenz ausgeschlossen", zap.String("pair_key", record.PairKey))
			invalid = append(invalid, record)
		case !record.ConsensusSeverity.Valid():
			n.Logger.Warn("Record mit ungültigem Schweregrad ausgeschlossen", zap.String("pair_key", record.PairKey))
			invalid = append(invalid, record)
		default:
			valid = append(valid, record)
		}
	}
	return valid, invalid
}

// dedupWithinSource entfernt doppelte Beobachtungen derselben Quelle (gleiche
// SourceID innerhalb eines SourceType), damit eine einzelne Beobachtung nicht
// mehrfach Richtung Konfidenz zählt. Bei Dubletten bleibt die Evidenz mit dem
// höheren Schweregrad, bei Gleichstand die neuere.
func dedupWithinSource(group []*models.Evidence) []*models.Evidence {
	byKey := make(map[string]*models.Evidence, len(group))
	var order []string

	for _, ev := range group {
		key := ev.DedupKey()
		existing, ok := byKey[key]
		if !ok {
			byKey[key] = ev
			order = append(order, key)
			continue
		}
		if ev.Severity.Rank() > existing.Severity.Rank() ||
			(ev.Severity.Rank() == existing.Severity.Rank() && ev.ExtractedAt.After(existing.ExtractedAt)) {
			byKey[key] = ev
		}
	}

	result := make([]*models.Evidence, 0, len(order))
	for _, key := range order {
		result = append(result, byKey[key])
	}
	return result
}

// confidenceScore berechnet die Konsens-Konfidenz (0–100). Alle drei Terme
// sind monoton in der Evidenzmenge: der Max-Score wird gegen eine feste,
// gruppenunabhängige Referenzzeit bewertet, Quelltyp-Zahl und Gruppengröße
// wachsen nur. Zusätzliche korroborierende Quellen können die Konfidenz damit
// nur erhöhen oder (am Deckel) halten, nie senken.
func confidenceScore(maxEvidenceScore float64, distinctSourceTypes, groupSize int) float64 {
	score := 0.6*maxEvidenceScore + 8*float64(distinctSourceTypes) + 4*float64(groupSize-1)
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

// displayNames gibt die Anzeigenamen des Paars alphabetisch sortiert zurück.
func displayNames(ev *models.Evidence) (string, string) {
	a := models.NormalizeDrugName(ev.DrugA.Name)
	b := models.NormalizeDrugName(ev.DrugB.Name)
	if b < a {
		return b, a
	}
	return a, b
}

func mustJSON(v any) datatypes.JSON {
	b, _ := json.Marshal(v)
	return datatypes.JSON(b)
}
