package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// RunStatus ist der Zustand eines Mining-Runs.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunStats zählt die Ergebnisse eines Mining-Runs. Einzelne Quell- oder
// Wirkstoff-Fehler landen hier und in Errors, sie lassen den Run nie scheitern.
type RunStats struct {
	DrugsProcessed   int `json:"drugs_processed"`
	EvidenceGathered int `json:"evidence_gathered"`
	RecordsAdded     int `json:"records_added"`
	RecordsUpdated   int `json:"records_updated"`
	RecordsInvalid   int `json:"records_invalid"`
	ErrorCount       int `json:"error_count"`
}

// MiningRun ist ein Orchestrierungs-Lauf über eine Wirkstoffliste.
type MiningRun struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RunID  string    `json:"run_id" gorm:"uniqueIndex;not null"`
	Status RunStatus `json:"status" gorm:"index"`

	DrugsRequested  datatypes.JSON `json:"drugs_requested" gorm:"type:jsonb"`
	PerSourceConfig datatypes.JSON `json:"per_source_config" gorm:"type:jsonb"`

	Stats  datatypes.JSON `json:"stats" gorm:"type:jsonb"`
	Errors datatypes.JSON `json:"errors,omitempty" gorm:"type:jsonb"`

	ArchiveLink string `json:"archive_link,omitempty"` // S3-Link zum Roh-Evidenz-Archiv

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (MiningRun) TableName() string {
	return "mining_runs"
}

// StatsValue entpackt die gespeicherten Run-Stats in das übergebene Ziel.
func (r *MiningRun) StatsValue(dst *RunStats) error {
	if len(r.Stats) == 0 {
		return nil
	}
	return json.Unmarshal(r.Stats, dst)
}

// RunPhase beschreibt, wo im Ablauf sich ein laufender Run gerade befindet.
type RunPhase string

const (
	PhaseExtracting  RunPhase = "extracting"
	PhaseNormalizing RunPhase = "normalizing"
	PhasePersisting  RunPhase = "persisting"
	PhaseDone        RunPhase = "done"
)

// RunProgress ist die Momentaufnahme für externes Polling.
type RunProgress struct {
	RunID          string         `json:"run_id,omitempty"`
	Phase          RunPhase       `json:"phase"`
	DrugsCompleted int            `json:"drugs_completed"`
	DrugsTotal     int            `json:"drugs_total"`
	SourceErrors   map[string]int `json:"source_errors,omitempty"`
}
