package services

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gdogra/OncoSafeRx-sub018/models"
)

var normTestTime = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func evidenceFor(sourceType models.SourceType, sourceID string, severity models.Severity, level models.EvidenceLevel, extractedAt time.Time) *models.Evidence {
	return &models.Evidence{
		SourceType:    sourceType,
		SourceID:      sourceID,
		DrugA:         models.DrugRef{Name: "doxorubicin", RXCUI: "3639"},
		DrugB:         models.DrugRef{Name: "cisplatin", RXCUI: "2555"},
		Severity:      severity,
		EvidenceLevel: level,
		ExtractedAt:   extractedAt,
	}
}

func TestCanonicalMechanismFoldsSynonyms(t *testing.T) {
	cases := map[string]string{
		"CYP3A4":                 "CYP3A4",
		"cyp 3a4":                "CYP3A4",
		"CYP-3A4":                "CYP3A4",
		"cytochrome P450 3A4":    "CYP3A4",
		"P-glycoprotein":         "P-GP",
		"p-gp":                   "P-GP",
		"pgp":                    "P-GP",
		"QT prolongation":        "QT-PROLONGATION",
		"QTc prolongation":       "QT-PROLONGATION",
		"renal clearance":        "RENALCLEARANCE",
		"additive cardiotoxicity": "ADDITIVECARDIOTOXICITY",
		"":                       "",
	}
	for raw, want := range cases {
		assert.Equal(t, want, CanonicalMechanism(raw), "input %q", raw)
	}
}

func TestCanonicalMechanismIsIdempotent(t *testing.T) {
	inputs := []string{"CYP 3A4", "p-glycoprotein", "QTc prolongation", "serotonin syndrome"}
	for _, raw := range inputs {
		once := CanonicalMechanism(raw)
		assert.Equal(t, once, CanonicalMechanism(once), "input %q", raw)
	}
}

func TestCanonicalSeverityMapsSynonymTable(t *testing.T) {
	sev, ok := CanonicalSeverity("Contraindicated")
	require.True(t, ok)
	assert.Equal(t, models.SeverityMajor, sev)

	sev, ok = CanonicalSeverity(" warning ")
	require.True(t, ok)
	assert.Equal(t, models.SeverityModerate, sev)

	sev, ok = CanonicalSeverity("precaution")
	require.True(t, ok)
	assert.Equal(t, models.SeverityMinor, sev)

	_, ok = CanonicalSeverity("apocalyptic")
	assert.False(t, ok)
}

func TestNormalizeMergesThreeSourcesIntoOneRecord(t *testing.T) {
	n := NewEvidenceNormalizer(zap.NewNop())

	evidence := []*models.Evidence{
		evidenceFor(models.SourceClinicalTrial, "NCT01", models.SeverityModerate, models.LevelHigh, normTestTime),
		evidenceFor(models.SourceRegulatoryLabel, "spl-1", models.SeverityMajor, models.LevelHigh, normTestTime.Add(-time.Hour)),
		evidenceFor(models.SourcePublication, "12345", models.SeverityMinor, models.LevelLow, normTestTime.Add(-2*time.Hour)),
	}
	evidence[0].Mechanism = "cyp 3a4"
	evidence[1].Mechanism = "cytochrome P450 3A4"
	evidence[2].Mechanism = "QT prolongation"

	records := n.Normalize(normTestTime, evidence)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "rxcui:2555|rxcui:3639", rec.PairKey)
	assert.Equal(t, models.SeverityMajor, rec.ConsensusSeverity) // max ordinal, nie Mittelwert
	assert.Equal(t, 3, rec.EvidenceCount)
	assert.Equal(t, normTestTime, rec.LastUpdated)

	var sourceTypes []string
	require.NoError(t, json.Unmarshal(rec.SourceTypes, &sourceTypes))
	assert.ElementsMatch(t, []string{"clinical_trial", "regulatory_label", "publication"}, sourceTypes)

	var mechanisms []string
	require.NoError(t, json.Unmarshal(rec.Mechanisms, &mechanisms))
	assert.Equal(t, []string{"CYP3A4", "QT-PROLONGATION"}, mechanisms)

	var ids []string
	require.NoError(t, json.Unmarshal(rec.ContributingEvidenceIDs, &ids))
	assert.Len(t, ids, 3)
	assert.Contains(t, ids, "clinical_trial:NCT01")
}

func TestNormalizeIsIdempotent(t *testing.T) {
	n := NewEvidenceNormalizer(zap.NewNop())
	evidence := []*models.Evidence{
		evidenceFor(models.SourceClinicalTrial, "NCT01", models.SeverityModerate, models.LevelHigh, normTestTime),
		evidenceFor(models.SourcePublication, "999", models.SeverityMinor, models.LevelLow, normTestTime.Add(-time.Hour)),
	}

	first := n.Normalize(normTestTime, evidence)
	second := n.Normalize(normTestTime, evidence)
	assert.Equal(t, first, second)
}

func TestNormalizeDedupsSameObservationWithinSource(t *testing.T) {
	n := NewEvidenceNormalizer(zap.NewNop())

	// Dieselbe SPL-Set-ID zweimal gesehen: die Beobachtung zählt nur einmal,
	// der höhere Schweregrad bleibt.
	evidence := []*models.Evidence{
		evidenceFor(models.SourceRegulatoryLabel, "spl-1", models.SeverityMinor, models.LevelHigh, normTestTime),
		evidenceFor(models.SourceRegulatoryLabel, "spl-1", models.SeverityMajor, models.LevelHigh, normTestTime.Add(-time.Hour)),
	}

	records := n.Normalize(normTestTime, evidence)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].EvidenceCount)
	assert.Equal(t, models.SeverityMajor, records[0].ConsensusSeverity)
}

func TestConfidenceNeverDecreasesWithMoreEvidence(t *testing.T) {
	n := NewEvidenceNormalizer(zap.NewNop())

	base := []*models.Evidence{
		evidenceFor(models.SourceClinicalTrial, "NCT01", models.SeverityModerate, models.LevelHigh, normTestTime),
	}
	baseRecords := n.Normalize(normTestTime, base)
	require.Len(t, baseRecords, 1)

	// Korroborierende Evidenz mit schwächerem Level und anderer Quelle dazu.
	more := append(base,
		evidenceFor(models.SourcePublication, "777", models.SeverityMinor, models.LevelLow, normTestTime.Add(-time.Hour)))
	moreRecords := n.Normalize(normTestTime, more)
	require.Len(t, moreRecords, 1)

	assert.GreaterOrEqual(t, moreRecords[0].ConfidenceScore, baseRecords[0].ConfidenceScore)
}

func TestConfidenceHoldsWhenNewerWeakerSourceJoinsOldEvidence(t *testing.T) {
	n := NewEvidenceNormalizer(zap.NewNop())

	// Jahre alte, starke Studien-Evidenz: ihr Recency-Bonus ist längst
	// abgelaufen. Eine frische, schwache Publikation dazu darf die Konfidenz
	// nicht senken, weil die Referenzzeit nicht mit der Gruppe wandert.
	aged := []*models.Evidence{
		evidenceFor(models.SourceClinicalTrial, "NCT08", models.SeverityModerate, models.LevelHigh, normTestTime.AddDate(-8, 0, 0)),
	}
	agedRecords := n.Normalize(normTestTime, aged)
	require.Len(t, agedRecords, 1)

	more := append(aged,
		evidenceFor(models.SourcePublication, "555", models.SeverityMinor, models.LevelLow, normTestTime))
	moreRecords := n.Normalize(normTestTime, more)
	require.Len(t, moreRecords, 1)

	assert.GreaterOrEqual(t, moreRecords[0].ConfidenceScore, agedRecords[0].ConfidenceScore)
}

func TestConfidenceScoreIsClamped(t *testing.T) {
	assert.Equal(t, 100.0, confidenceScore(100, 3, 20))
	assert.Equal(t, 0.0, confidenceScore(0, 0, 1))
	assert.InDelta(t, 0.6*80+8*2+4*1, confidenceScore(80, 2, 2), 0.001)
}

func TestNormalizeDropsInvalidEvidence(t *testing.T) {
	n := NewEvidenceNormalizer(zap.NewNop())

	bad := evidenceFor(models.SourceClinicalTrial, "", models.SeverityMajor, models.LevelHigh, normTestTime)
	good := evidenceFor(models.SourcePublication, "42", models.SeverityMinor, models.LevelLow, normTestTime)

	records := n.Normalize(normTestTime, []*models.Evidence{bad, good})
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].EvidenceCount)
}

func TestNormalizeSeparatesDistinctPairs(t *testing.T) {
	n := NewEvidenceNormalizer(zap.NewNop())

	other := evidenceFor(models.SourceClinicalTrial, "NCT02", models.SeverityMinor, models.LevelLow, normTestTime)
	other.DrugB = models.DrugRef{Name: "warfarin", RXCUI: "11289"}

	records := n.Normalize(normTestTime, []*models.Evidence{
		evidenceFor(models.SourceClinicalTrial, "NCT01", models.SeverityModerate, models.LevelHigh, normTestTime),
		other,
	})
	require.Len(t, records, 2)
	assert.NotEqual(t, records[0].PairKey, records[1].PairKey)
	// deterministische Sortierung nach Pair-Key
	assert.Less(t, records[0].PairKey, records[1].PairKey)
}

func TestNormalizeMarksNameBasedKeys(t *testing.T) {
	n := NewEvidenceNormalizer(zap.NewNop())

	ev := evidenceFor(models.SourcePublication, "88", models.SeverityMinor, models.LevelLow, normTestTime)
	ev.DrugB = models.DrugRef{Name: "obscurinib", NameBasedKey: true}

	records := n.Normalize(normTestTime, []*models.Evidence{ev})
	require.Len(t, records, 1)
	assert.True(t, records[0].NameBasedKey)
	assert.Equal(t, "name:obscurinib|rxcui:3639", records[0].PairKey)
}

func TestValidateNormalizedOutputPartitions(t *testing.T) {
	n := NewEvidenceNormalizer(zap.NewNop())

	records := []models.InteractionRecord{
		{PairKey: "a|b", EvidenceCount: 2, ConsensusSeverity: models.SeverityMajor},
		{PairKey: "", EvidenceCount: 1, ConsensusSeverity: models.SeverityMinor},
		{PairKey: "c|d", EvidenceCount: 0, ConsensusSeverity: models.SeverityMinor},
		{PairKey: "e|f", EvidenceCount: 1, ConsensusSeverity: models.Severity("bogus")},
	}

	valid, invalid := n.ValidateNormalizedOutput(records)
	assert.Len(t, valid, 1)
	assert.Len(t, invalid, 3)
	assert.Equal(t, "a|b", valid[0].PairKey)
}
