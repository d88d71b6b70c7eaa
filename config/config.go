package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// ClinicalTrials.gov API v2
	TrialsBaseURL string `envconfig:"TRIALS_BASE_URL" default:"https://clinicaltrials.gov/api/v2"`

	// openFDA Structured Product Labels
	LabelsBaseURL string `envconfig:"LABELS_BASE_URL" default:"https://api.fda.gov/drug/label.json"`
	LabelsAPIKey  string `envconfig:"LABELS_API_KEY"`

	// PubMed E-Utilities für die Literatursuche
	PubMedBaseURL string `envconfig:"PUBMED_BASE_URL" default:"https://eutils.ncbi.nlm.nih.gov/entrez/eutils"`
	PubMedAPIKey  string `envconfig:"PUBMED_API_KEY"`
	PubMedTool    string `envconfig:"PUBMED_TOOL" default:"oncosaferx-ddi-miner"`

	// RxNorm API für die Auflösung von Wirkstoffnamen zu RXCUIs
	RxNormBaseURL string `envconfig:"RXNORM_BASE_URL" default:"https://rxnav.nlm.nih.gov/REST"`

	// Mining-Defaults; können pro Run über die API überschrieben werden.
	EnabledSources      string        `envconfig:"ENABLED_SOURCES" default:"clinical_trials,regulatory_labels,publications"`
	MaxResultsPerSource int           `envconfig:"MAX_RESULTS_PER_SOURCE" default:"50"`
	ConcurrencyLimit    int           `envconfig:"CONCURRENCY_LIMIT" default:"3"`
	PerSourceTimeout    time.Duration `envconfig:"PER_SOURCE_TIMEOUT" default:"45s"`

	// Retry- und Cache-Verhalten der Extraktoren
	SourceRetryAttempts int           `envconfig:"SOURCE_RETRY_ATTEMPTS" default:"3"`
	SourceRetryBackoff  time.Duration `envconfig:"SOURCE_RETRY_BACKOFF" default:"2s"`
	RateLimitBackoff    time.Duration `envconfig:"RATE_LIMIT_BACKOFF" default:"30s"`
	ExtractCacheTTL     time.Duration `envconfig:"EXTRACT_CACHE_TTL" default:"15m"`

	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"0 0 * * *"`

	// S3-Archiv für Roh-Evidenz pro Mining-Run (Audit-Trail)
	ArchiveEnabled  bool   `envconfig:"ARCHIVE_ENABLED" default:"false"`
	ArchiveS3Key    string `envconfig:"ARCHIVE_S3_KEY"`
	ArchiveS3Secret string `envconfig:"ARCHIVE_S3_SECRET"`
	ArchiveS3URL    string `envconfig:"ARCHIVE_S3_URL"`
	ArchiveS3Region string `envconfig:"ARCHIVE_S3_REGION"`
	ArchiveS3Bucket string `envconfig:"ARCHIVE_S3_BUCKET"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
