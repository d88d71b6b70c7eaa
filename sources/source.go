// Package sources definiert das gemeinsame Extraktor-Interface für die drei
// externen Evidenz-Quellen (Studienregister, Fachinformationen, Literatur)
// sowie die geteilten Fehler- und Retry-Bausteine.
package sources

import (
	"context"
	"crypto/md5"
	"fmt"

	"github.com/gdogra/OncoSafeRx-sub018/models"
)

// Options steuern eine einzelne Extraktion.
type Options struct {
	// MaxResults begrenzt die Anzahl der Roh-Records pro Quelle.
	MaxResults int
}

// Hash liefert einen deterministischen Schlüsselanteil für den
// In-Flight-Cache (sourceType, drugName, optionsHash).
func (o Options) Hash() string {
	return fmt.Sprintf("%x", md5.Sum([]byte(fmt.Sprintf("max=%d", o.MaxResults))))
}

// Extractor ist das Interface, das jeder Quell-Extraktor implementieren muss.
// Extract liefert standardisierte Evidence-Objekte für einen Wirkstoff; bei
// nicht erreichbarer Quelle nach allen Retries einen *SourceUnavailableError,
// bei Drosselung einen *RateLimitedError, damit der Orchestrator unterscheiden
// kann zwischen Backoff und hartem Quell-Ausfall.
type Extractor interface {
	Extract(ctx context.Context, drug models.DrugRef, opts Options) ([]*models.Evidence, error)

	// Name gibt den eindeutigen Namen des Extraktors zurück (z.B. "clinical_trials").
	Name() string

	// SourceType gibt den Quelltyp der erzeugten Evidenzen zurück.
	SourceType() models.SourceType
}

// CacheKey bildet den Schlüssel für den geteilten Extraktions-Cache.
func CacheKey(sourceType models.SourceType, drugName string, opts Options) string {
	return string(sourceType) + "|" + models.NormalizeDrugName(drugName) + "|" + opts.Hash()
}
