package models

import (
	"fmt"
	"sort"
	"time"
)

// SourceType bezeichnet die Herkunft einer Evidenz.
type SourceType string

const (
	SourceClinicalTrial   SourceType = "clinical_trial"
	SourceRegulatoryLabel SourceType = "regulatory_label"
	SourcePublication     SourceType = "publication"
)

// sourceReliability gewichtet die Kurationsqualität der Quelle
// (Studienregister > Fachinformation > Literatur).
var sourceReliability = map[SourceType]float64{
	SourceClinicalTrial:   15,
	SourceRegulatoryLabel: 10,
	SourcePublication:     5,
}

// Valid prüft die Enum-Mitgliedschaft.
func (s SourceType) Valid() bool {
	_, ok := sourceReliability[s]
	return ok
}

// Severity ist der ordinale klinische Schweregrad einer Interaktion.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
)

var severityRank = map[Severity]int{
	SeverityMinor:    1,
	SeverityModerate: 2,
	SeverityMajor:    3,
}

// Valid prüft die Enum-Mitgliedschaft.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank gibt den ordinalen Rang zurück (minor=1 < moderate=2 < major=3).
func (s Severity) Rank() int {
	return severityRank[s]
}

// MaxSeverity gibt den höheren der beiden Schweregrade zurück.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// EvidenceLevel ist das ordinale Vertrauen in das Studiendesign der Quelle.
type EvidenceLevel string

const (
	LevelLow    EvidenceLevel = "low"
	LevelMedium EvidenceLevel = "medium"
	LevelHigh   EvidenceLevel = "high"
)

var levelWeight = map[EvidenceLevel]float64{
	LevelLow:    20,
	LevelMedium: 40,
	LevelHigh:   60,
}

// Valid prüft die Enum-Mitgliedschaft.
func (l EvidenceLevel) Valid() bool {
	_, ok := levelWeight[l]
	return ok
}

// ValidationError beschreibt eine verletzte Invariante eines Evidence-Objekts.
// Solche Evidenzen werden geloggt und verworfen, nie persistiert.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("evidence validation failed: %s: %s", e.Field, e.Reason)
}

// Evidence ist eine einzelne Interaktions-Behauptung aus genau einer Quelle.
// Ein Evidence-Objekt wird von einem Extraktor erzeugt und danach nie mehr
// verändert; die Normalisierung faltet es read-only in einen kanonischen Record.
type Evidence struct {
	SourceType SourceType `json:"source_type"`
	SourceID   string     `json:"source_id"` // z.B. NCT-Nummer, SPL-Set-ID, PMID

	DrugA DrugRef `json:"drug_a"`
	DrugB DrugRef `json:"drug_b"`

	Mechanism         string        `json:"mechanism,omitempty"` // Freitext; wird später kanonisiert
	Severity          Severity      `json:"severity"`
	EffectDescription string        `json:"effect_description,omitempty"`
	EvidenceLevel     EvidenceLevel `json:"evidence_level"`
	StudyType         string        `json:"study_type,omitempty"`

	ExtractedAt time.Time `json:"extracted_at"`
}

// Validate prüft die Invarianten aus der Datenmodell-Definition: unterschiedliche
// Wirkstoffe (case-insensitive), Enum-Mitgliedschaft, vorhandene SourceID.
func (e *Evidence) Validate() error {
	if e.SourceID == "" {
		return &ValidationError{Field: "source_id", Reason: "must not be empty"}
	}
	if !e.SourceType.Valid() {
		return &ValidationError{Field: "source_type", Reason: fmt.Sprintf("unknown source type %q", e.SourceType)}
	}
	if e.DrugA.Name == "" || e.DrugB.Name == "" {
		return &ValidationError{Field: "drugs", Reason: "both drug names must be set"}
	}
	if NormalizeDrugName(e.DrugA.Name) == NormalizeDrugName(e.DrugB.Name) {
		return &ValidationError{Field: "drugs", Reason: "drug pair must reference two distinct drugs"}
	}
	if !e.Severity.Valid() {
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", e.Severity)}
	}
	if !e.EvidenceLevel.Valid() {
		return &ValidationError{Field: "evidence_level", Reason: fmt.Sprintf("unknown evidence level %q", e.EvidenceLevel)}
	}
	return nil
}

// PairKey liefert den deterministischen, reihenfolge-unabhängigen Schlüssel des
// Wirkstoffpaars. Bevorzugt den aufgelösten RXCUI; Fallback ist der normalisierte
// Name. Beide Komponenten werden lexikographisch sortiert verbunden, damit
// (A,B) und (B,A) denselben Key ergeben.
func (e *Evidence) PairKey() string {
	return PairKeyFor(e.DrugA, e.DrugB)
}

// PairKeyFor bildet den Pair-Key für zwei Wirkstoff-Referenzen.
func PairKeyFor(a, b DrugRef) string {
	parts := []string{a.KeyComponent(), b.KeyComponent()}
	sort.Strings(parts)
	return parts[0] + "|" + parts[1]
}

// DedupKey identifiziert eine einzelne Beobachtung innerhalb einer Quelle.
// Dieselbe SourceID zweimal gesehen zählt nur einmal Richtung Konfidenz.
func (e *Evidence) DedupKey() string {
	return string(e.SourceType) + ":" + e.SourceID
}

// EvidenceScore berechnet den deterministischen Evidenz-Score relativ zu einem
// Referenzzeitpunkt: Evidence-Level am stärksten gewichtet, dazu die
// Quellen-Zuverlässigkeit und ein linear abfallender, gedeckelter Recency-Bonus.
// Der Score fließt nur in die Konsens-Konfidenz ein, nie in den Schweregrad.
func (e *Evidence) EvidenceScore(ref time.Time) float64 {
	score := levelWeight[e.EvidenceLevel] + sourceReliability[e.SourceType]

	years := ref.Sub(e.ExtractedAt).Hours() / (24 * 365)
	if years < 0 {
		years = 0
	}
	recency := 25 - 5*years
	if recency < 0 {
		recency = 0
	}
	return score + recency
}

// EvidenceRecord ist die flache, verhaltenslose Form eines Evidence-Objekts
// für den Storage-Collaborator (z.B. das S3-Archiv).
type EvidenceRecord struct {
	SourceType        string    `json:"source_type"`
	SourceID          string    `json:"source_id"`
	PairKey           string    `json:"pair_key"`
	DrugAName         string    `json:"drug_a_name"`
	DrugARXCUI        string    `json:"drug_a_rxcui,omitempty"`
	DrugBName         string    `json:"drug_b_name"`
	DrugBRXCUI        string    `json:"drug_b_rxcui,omitempty"`
	NameBasedKey      bool      `json:"name_based_key,omitempty"`
	Mechanism         string    `json:"mechanism,omitempty"`
	Severity          string    `json:"severity"`
	EffectDescription string    `json:"effect_description,omitempty"`
	EvidenceLevel     string    `json:"evidence_level"`
	StudyType         string    `json:"study_type,omitempty"`
	ExtractedAt       time.Time `json:"extracted_at"`
}

// ToRecordForm wandelt die Evidenz in ihre flache persistierbare Form um.
func (e *Evidence) ToRecordForm() EvidenceRecord {
	return EvidenceRecord{
		SourceType:        string(e.SourceType),
		SourceID:          e.SourceID,
		PairKey:           e.PairKey(),
		DrugAName:         e.DrugA.Name,
		DrugARXCUI:        e.DrugA.RXCUI,
		DrugBName:         e.DrugB.Name,
		DrugBRXCUI:        e.DrugB.RXCUI,
		NameBasedKey:      e.DrugA.NameBasedKey || e.DrugB.NameBasedKey,
		Mechanism:         e.Mechanism,
		Severity:          string(e.Severity),
		EffectDescription: e.EffectDescription,
		EvidenceLevel:     string(e.EvidenceLevel),
		StudyType:         e.StudyType,
		ExtractedAt:       e.ExtractedAt,
	}
}
