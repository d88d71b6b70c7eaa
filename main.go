package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gdogra/OncoSafeRx-sub018/config"
	"github.com/gdogra/OncoSafeRx-sub018/models"
	"github.com/gdogra/OncoSafeRx-sub018/resolver"
	"github.com/gdogra/OncoSafeRx-sub018/services"
	"github.com/gdogra/OncoSafeRx-sub018/sources"
	"github.com/gdogra/OncoSafeRx-sub018/sources/labels"
	"github.com/gdogra/OncoSafeRx-sub018/sources/literature"
	"github.com/gdogra/OncoSafeRx-sub018/sources/trials"
	"github.com/gdogra/OncoSafeRx-sub018/storage"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	evidenceGatheredCounter prometheus.Counter
	recordsWrittenCounter   prometheus.Counter
	miningRunsCounter       *prometheus.CounterVec
)

func init() {
	evidenceGatheredCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evidence_gathered_total",
			Help: "Total number of evidence objects gathered from all sources.",
		},
	)
	recordsWrittenCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "interaction_records_written_total",
			Help: "Total number of interaction records added or updated.",
		},
	)
	miningRunsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mining_runs_total",
			Help: "Total number of mining runs by final status.",
		},
		[]string{"status"},
	)
	prometheus.MustRegister(evidenceGatheredCounter, recordsWrittenCounter, miningRunsCounter)
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	// Setup Database Connection
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to interactions database.")

	// Auto-Migration
	logging.Info("Running database auto-migration...")
	db.AutoMigrate(&models.Drug{}, &models.InteractionRecord{}, &models.MiningRun{})

	// Seeding
	seedDefaultDrugs(db, logging)

	// Setup Extractors
	rxnorm := resolver.New(cfg, logging)
	enabledSourceNames := strings.Split(cfg.EnabledSources, ",")
	var extractors []sources.Extractor
	for _, name := range enabledSourceNames {
		switch strings.TrimSpace(name) {
		case "clinical_trials":
			extractors = append(extractors, trials.NewFetcher(cfg, logging, rxnorm))
		case "regulatory_labels":
			extractors = append(extractors, labels.NewFetcher(cfg, logging, rxnorm))
		case "publications":
			extractors = append(extractors, literature.NewFetcher(cfg, logging, rxnorm))
		default:
			logging.Warn("Unknown source in config", zap.String("source_name", name))
		}
	}
	if len(extractors) == 0 {
		logging.Fatal("No valid sources enabled. Check ENABLED_SOURCES in .env")
	}
	logging.Info("Active sources loaded", zap.Strings("sources", enabledSourceNames))

	// Setup Services
	s3Client, err := newArchiveClient(cfg, logging)
	if err != nil {
		logging.Fatal("S3 client creation failed", zap.Error(err))
	}
	miner := services.NewMiningService(cfg, db, s3Client, logging, rxnorm, extractors)

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Setup Routes
	setupDrugRoutes(router, db, logging)
	setupMiningRoutes(router, db, miner, logging)
	setupRunRoutes(router, db, logging)
	setupInteractionRoutes(router, db, logging)

	// Setup Cron
	cronScheduler := cron.New()
	cronScheduler.AddFunc(cfg.CronSchedule, func() {
		logging.Info("Running scheduled mining job...")
		run, err := runWatchList(context.Background(), db, miner, cfg)
		if err != nil {
			logging.Error("Cron job failed", zap.Error(err))
			miningRunsCounter.WithLabelValues(string(models.RunFailed)).Inc()
		} else {
			logging.Info("Cron job completed", zap.String("run_id", run.RunID))
			observeRun(run)
		}
	})
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

// newArchiveClient erstellt den S3-Client nur, wenn das Archiv aktiviert ist.
func newArchiveClient(cfg *config.Config, logging *zap.Logger) (*s3.Client, error) {
	if !cfg.ArchiveEnabled {
		logging.Info("Evidence archive disabled, skipping S3 client setup.")
		return nil, nil
	}
	return storage.NewS3Client(cfg)
}

// runWatchList startet einen Mining-Run über alle Wirkstoffe der Beobachtungsliste.
func runWatchList(ctx context.Context, db *gorm.DB, miner *services.MiningService, cfg *config.Config) (*models.MiningRun, error) {
	var drugs []models.Drug
	if err := db.Find(&drugs).Error; err != nil {
		return nil, err
	}
	names := make([]string, 0, len(drugs))
	for _, d := range drugs {
		names = append(names, d.Name)
	}
	return miner.MineForDrugList(ctx, names, services.DefaultMiningConfig(cfg))
}

// observeRun zählt die Run-Stats in die Prometheus-Metriken.
func observeRun(run *models.MiningRun) {
	miningRunsCounter.WithLabelValues(string(run.Status)).Inc()
	var stats models.RunStats
	if err := run.StatsValue(&stats); err == nil {
		evidenceGatheredCounter.Add(float64(stats.EvidenceGathered))
		recordsWrittenCounter.Add(float64(stats.RecordsAdded + stats.RecordsUpdated))
	}
}

func setupDrugRoutes(router *gin.Engine, db *gorm.DB, log *zap.Logger) {
	rg := router.Group("/drugs")
	rg.POST("/", func(c *gin.Context) {
		var drug models.Drug
		if err := c.ShouldBindJSON(&drug); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		drug.Name = models.NormalizeDrugName(drug.Name)
		if drug.Name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "drug name required"})
			return
		}
		if err := db.Create(&drug).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create drug"})
			return
		}
		c.JSON(http.StatusCreated, drug)
	})
	rg.GET("/", func(c *gin.Context) {
		var drugs []models.Drug
		if err := db.Find(&drugs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, drugs)
	})
	rg.DELETE("/:id", func(c *gin.Context) {
		id := c.Param("id")
		if err := db.Delete(&models.Drug{}, id).Error; err != nil {
			log.Error("Failed to delete drug", zap.String("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "drug removed from watch list"})
	})
}

func setupMiningRoutes(router *gin.Engine, db *gorm.DB, miner *services.MiningService, log *zap.Logger) {
	rg := router.Group("/mine")

	// Synchrones Mining für einen einzelnen Wirkstoff.
	rg.POST("/drug/:name", func(c *gin.Context) {
		name := models.NormalizeDrugName(c.Param("name"))
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "drug name required"})
			return
		}
		mcfg := services.DefaultMiningConfig(miner.Config)
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&mcfg); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mining config"})
				return
			}
		}

		records, err := miner.MineForDrug(c.Request.Context(), name, mcfg)
		if err != nil {
			log.Error("Mining for drug failed", zap.String("drug", name), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		recordsWrittenCounter.Add(float64(len(records)))
		c.JSON(http.StatusOK, gin.H{"drug": name, "records": records})
	})

	// Asynchroner Batch-Run über eine Wirkstoffliste (oder die gesamte
	// Beobachtungsliste, wenn keine Liste mitgegeben wird).
	rg.POST("/batch", func(c *gin.Context) {
		var req struct {
			Drugs  []string               `json:"drugs"`
			Config *services.MiningConfig `json:"config"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}

		mcfg := services.DefaultMiningConfig(miner.Config)
		if req.Config != nil {
			mcfg = *req.Config
		}

		go func() {
			var run *models.MiningRun
			var err error
			if len(req.Drugs) > 0 {
				run, err = miner.MineForDrugList(context.Background(), req.Drugs, mcfg)
			} else {
				run, err = runWatchList(context.Background(), db, miner, miner.Config)
			}
			if err != nil {
				log.Error("Async mining run failed", zap.Error(err))
				miningRunsCounter.WithLabelValues(string(models.RunFailed)).Inc()
				return
			}
			observeRun(run)
			log.Info("Async mining run completed", zap.String("run_id", run.RunID))
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "Mining run triggered."})
	})

	// Fortschritts-Momentaufnahme des laufenden Runs.
	rg.GET("/progress", func(c *gin.Context) {
		c.JSON(http.StatusOK, miner.Progress())
	})

	// Cache-Kennzahlen des Extraktions-Caches.
	rg.GET("/cache-stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, miner.Cache.Stats())
	})
}

func setupRunRoutes(router *gin.Engine, db *gorm.DB, log *zap.Logger) {
	rg := router.Group("/runs")
	rg.GET("/", func(c *gin.Context) {
		var runs []models.MiningRun
		if err := db.Order("started_at desc").Limit(50).Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, runs)
	})
	rg.GET("/:run_id", func(c *gin.Context) {
		runID := c.Param("run_id")
		var run models.MiningRun
		if err := db.Where("run_id = ?", runID).First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "mining run not found"})
				return
			}
			log.Error("DB error fetching mining run", zap.String("run_id", runID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, run)
	})
}

func setupInteractionRoutes(router *gin.Engine, db *gorm.DB, log *zap.Logger) {
	rg := router.Group("/interactions")

	// Einfacher GET-Endpunkt: alle Records eines Wirkstoffs.
	rg.GET("/", func(c *gin.Context) {
		query := db.Model(&models.InteractionRecord{})
		if drug := models.NormalizeDrugName(c.Query("drug")); drug != "" {
			query = query.Where("drug_a_name = ? OR drug_b_name = ?", drug, drug)
		}
		var records []models.InteractionRecord
		if err := query.Order("confidence_score desc").Limit(200).Find(&records).Error; err != nil {
			log.Error("Database query for interactions failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, records)
	})

	// Body-gesteuerter Endpunkt für komplexe Abfragen.
	rg.POST("/query", func(c *gin.Context) {
		type InteractionQuery struct {
			Drug          string   `json:"drug"`
			PairKey       string   `json:"pair_key"`
			Severity      string   `json:"severity"`
			MinConfidence *float64 `json:"min_confidence"`
			NameBasedKey  *bool    `json:"name_based_key"`
			Limit         int      `json:"limit"`
		}

		var req InteractionQuery
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		query := db.Model(&models.InteractionRecord{})

		if drug := models.NormalizeDrugName(req.Drug); drug != "" {
			query = query.Where("drug_a_name = ? OR drug_b_name = ?", drug, drug)
		}
		if req.PairKey != "" {
			query = query.Where("pair_key = ?", req.PairKey)
		}
		if req.Severity != "" {
			sev, ok := services.CanonicalSeverity(req.Severity)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown severity term"})
				return
			}
			query = query.Where("consensus_severity = ?", sev)
		}
		if req.MinConfidence != nil {
			query = query.Where("confidence_score >= ?", *req.MinConfidence)
		}
		if req.NameBasedKey != nil {
			query = query.Where("name_based_key = ?", *req.NameBasedKey)
		}
		if req.Limit > 0 {
			query = query.Limit(req.Limit)
		}

		var records []models.InteractionRecord
		if err := query.Order("confidence_score desc, last_updated desc").Find(&records).Error; err != nil {
			log.Error("Database query for interactions failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, records)
	})
}

func seedDefaultDrugs(db *gorm.DB, logger *zap.Logger) {
	var count int64
	db.Model(&models.Drug{}).Count(&count)
	if count > 0 {
		return
	}
	drugs := []models.Drug{
		{Name: "doxorubicin"},
		{Name: "cisplatin"},
		{Name: "tamoxifen"},
		{Name: "imatinib"},
		{Name: "methotrexate"},
	}
	if err := db.Create(&drugs).Error; err != nil {
		logger.Warn("Failed to seed default drugs", zap.Error(err))
	} else {
		logger.Info("Default drugs seeded.")
	}
}
