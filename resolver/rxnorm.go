// Package resolver kapselt die Auflösung von Freitext-Wirkstoffnamen zu
// RXCUI-Codes über die RxNorm-API. Auflösungsergebnisse (auch Misses) werden
// im Speicher gecacht, da dieselben Namen pro Run vielfach angefragt werden.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gdogra/OncoSafeRx-sub018/config"
	"github.com/gdogra/OncoSafeRx-sub018/models"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

// ErrNotFound meldet, dass RxNorm keinen RXCUI für den Namen kennt.
var ErrNotFound = errors.New("drug name not found in rxnorm")

// idGroupResponse repräsentiert die JSON-Antwort von /rxcui.json.
type idGroupResponse struct {
	IDGroup struct {
		RxNormID []string `json:"rxnormId"`
	} `json:"idGroup"`
}

// Client ist der RxNorm-Auflösungs-Client mit In-Memory-Cache.
type Client struct {
	Config *config.Config
	Logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	ref      models.DrugRef
	notFound bool
}

// New erstellt einen neuen Resolver-Client.
func New(cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{
		Config: cfg,
		Logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

// Resolve löst einen Wirkstoffnamen zu einer DrugRef mit RXCUI auf.
// Gibt ErrNotFound zurück, wenn RxNorm den Namen nicht kennt.
func (c *Client) Resolve(ctx context.Context, name string) (models.DrugRef, error) {
	key := models.NormalizeDrugName(name)
	if key == "" {
		return models.DrugRef{}, fmt.Errorf("empty drug name")
	}

	c.mu.RLock()
	entry, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		if entry.notFound {
			return models.DrugRef{}, ErrNotFound
		}
		return entry.ref, nil
	}

	reqURL := fmt.Sprintf("%s/rxcui.json?name=%s&search=2", c.Config.RxNormBaseURL, url.QueryEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return models.DrugRef{}, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return models.DrugRef{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.DrugRef{}, fmt.Errorf("rxnorm request failed with status %d", resp.StatusCode)
	}

	var idResp idGroupResponse
	if err := json.NewDecoder(resp.Body).Decode(&idResp); err != nil {
		return models.DrugRef{}, err
	}

	if len(idResp.IDGroup.RxNormID) == 0 {
		c.store(key, cacheEntry{notFound: true})
		return models.DrugRef{}, ErrNotFound
	}

	ref := models.DrugRef{Name: key, RXCUI: idResp.IDGroup.RxNormID[0]}
	c.store(key, cacheEntry{ref: ref})
	return ref, nil
}

// RefFor löst einen Namen auf und fällt bei NotFound oder API-Fehlern auf den
// namensbasierten Key zurück. Der Fallback wird auf der Referenz markiert,
// damit Downstream-Konsumenten wissen, dass der Pair-Key nicht code-basiert ist.
func (c *Client) RefFor(ctx context.Context, name string) models.DrugRef {
	ref, err := c.Resolve(ctx, name)
	if err == nil {
		return ref
	}
	if !errors.Is(err, ErrNotFound) {
		c.Logger.Warn("RxNorm-Auflösung fehlgeschlagen, nutze namensbasierten Key",
			zap.String("drug", name), zap.Error(err))
	}
	return models.DrugRef{Name: models.NormalizeDrugName(name), NameBasedKey: true}
}

func (c *Client) store(key string, entry cacheEntry) {
	c.mu.Lock()
	c.cache[key] = entry
	c.mu.Unlock()
}
