package models

import (
	"time"

	"gorm.io/datatypes"
)

// InteractionRecord ist der abgeglichene, deduplizierte kanonische Record für
// ein Wirkstoffpaar über alle Quellen hinweg. Er wird bei jedem
// Normalisierungslauf vollständig neu berechnet, nie inkrementell gepatcht.
type InteractionRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	PairKey string `json:"pair_key" gorm:"column:pair_key;uniqueIndex;not null"`

	// Anzeigenamen des Paars (alphabetisch), für Abfragen ohne Key-Kenntnis.
	DrugAName string `json:"drug_a_name" gorm:"index"`
	DrugBName string `json:"drug_b_name" gorm:"index"`

	// Maximum über alle beitragenden Evidenzen; fehlende Gegen-Evidenz
	// stuft ein dokumentiertes Risiko nicht herab.
	ConsensusSeverity Severity `json:"consensus_severity" gorm:"index"`

	// 0–100, abgeleitet aus Anzahl, Diversität und Evidence-Scores der Quellen.
	ConfidenceScore float64 `json:"confidence_score"`

	// Kanonisierte Mechanismen; mehrere unterschiedliche Mechanismen bleiben
	// als Liste erhalten und überschreiben sich nicht.
	Mechanisms datatypes.JSON `json:"mechanisms,omitempty" gorm:"type:jsonb"`

	// Beitragende Evidenz-IDs (sourceType:sourceId), nach Aktualität sortiert.
	ContributingEvidenceIDs datatypes.JSON `json:"contributing_evidence_ids" gorm:"type:jsonb"`

	// Menge der vertretenen Quelltypen.
	SourceTypes datatypes.JSON `json:"source_types_represented" gorm:"type:jsonb"`

	// NameBasedKey markiert, dass mindestens eine Key-Komponente auf einem
	// nicht auflösbaren Namen statt einem RXCUI basiert.
	NameBasedKey bool `json:"name_based_key"`

	EvidenceCount int       `json:"evidence_count"`
	LastUpdated   time.Time `json:"last_updated"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (InteractionRecord) TableName() string {
	return "interaction_records"
}
