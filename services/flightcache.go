package services

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gdogra/OncoSafeRx-sub018/models"
)

// CacheStats sind die Betriebs-Kennzahlen des Extraktions-Caches.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// FlightCache hält abgeschlossene Extraktor-Ergebnisse mit TTL und dedupliziert
// In-Flight-Anfragen: fragt ein zweiter Aufrufer denselben Key an, während der
// Fetch noch läuft, wartet er auf dasselbe Ergebnis statt einen doppelten
// externen Call auszulösen (höchstens ein laufender Fetch pro Key).
type FlightCache struct {
	ttl   time.Duration
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]flightEntry
	hits    int64
	misses  int64
}

type flightEntry struct {
	evidence []*models.Evidence
	expires  time.Time
}

// NewFlightCache erstellt einen neuen Cache mit der gegebenen TTL.
func NewFlightCache(ttl time.Duration) *FlightCache {
	return &FlightCache{
		ttl:     ttl,
		entries: make(map[string]flightEntry),
	}
}

// Fetch liefert das gecachte Ergebnis für key oder führt fetch genau einmal
// aus, auch bei konkurrierenden Aufrufern. Fehler werden nicht gecacht.
func (c *FlightCache) Fetch(key string, fetch func() ([]*models.Evidence, error)) ([]*models.Evidence, error) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && time.Now().Before(entry.expires) {
		c.hits++
		c.mu.Unlock()
		return entry.evidence, nil
	}
	if ok {
		delete(c.entries, key) // abgelaufen
	}
	c.misses++
	c.mu.Unlock()

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		evidence, err := fetch()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = flightEntry{evidence: evidence, expires: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return evidence, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]*models.Evidence), nil
}

// Stats gibt die aktuellen Cache-Kennzahlen zurück.
func (c *FlightCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}
