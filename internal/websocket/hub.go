// internal/websocket/hub.go
package websocket

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"minefleet/internal/data"
)

// Channel is the live link to one site.
type Channel interface {
	SiteID() string
	Send(msg data.Message) error
	Close() error
}

// Hub maps each site to its single live channel.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]Channel
	// sites orders map changes of one site together with their callbacks.
	// Sites never wait on each other.
	sites        map[string]*sync.Mutex
	onRegister   func(siteID string)
	onUnregister func(siteID string)
	logger       *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		channels: make(map[string]Channel),
		sites:    make(map[string]*sync.Mutex),
		logger:   logger.With(slog.String("component", "hub")),
	}
}

// OnRegister sets the callback run after a channel becomes a site's
// current channel.
func (h *Hub) OnRegister(fn func(siteID string)) {
	h.mu.Lock()
	h.onRegister = fn
	h.mu.Unlock()
}

// OnUnregister sets the callback run after the current channel of a site
// is removed.
func (h *Hub) OnUnregister(fn func(siteID string)) {
	h.mu.Lock()
	h.onUnregister = fn
	h.mu.Unlock()
}

// siteLock returns the mutex serializing events of one site. The caller
// must hold mu.
func (h *Hub) siteLock(siteID string) *sync.Mutex {
	l, ok := h.sites[siteID]
	if !ok {
		l = &sync.Mutex{}
		h.sites[siteID] = l
	}
	return l
}

// Register makes ch the site's channel and returns the channel it
// superseded, if any. Closing the previous channel is up to the caller.
func (h *Hub) Register(ch Channel) Channel {
	h.mu.Lock()
	site := h.siteLock(ch.SiteID())
	h.mu.Unlock()
	site.Lock()
	defer site.Unlock()

	h.mu.Lock()
	prev := h.channels[ch.SiteID()]
	h.channels[ch.SiteID()] = ch
	fn := h.onRegister
	h.mu.Unlock()

	if prev != nil {
		h.logger.Warn("site channel superseded", slog.String("site_id", ch.SiteID()))
	} else {
		h.logger.Info("site channel registered", slog.String("site_id", ch.SiteID()))
	}
	if fn != nil {
		fn(ch.SiteID())
	}
	return prev
}

func (h *Hub) Lookup(siteID string) (Channel, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[siteID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", data.ErrSiteNotConnected, siteID)
	}
	return ch, nil
}

// Unregister removes ch if it is still the site's channel and reports
// whether it did. A superseded channel is ignored so its late closure
// cannot take the site offline.
func (h *Hub) Unregister(ch Channel) bool {
	h.mu.Lock()
	site := h.siteLock(ch.SiteID())
	h.mu.Unlock()
	site.Lock()
	defer site.Unlock()

	h.mu.Lock()
	cur, ok := h.channels[ch.SiteID()]
	if !ok || cur != ch {
		h.mu.Unlock()
		return false
	}
	delete(h.channels, ch.SiteID())
	fn := h.onUnregister
	h.mu.Unlock()

	h.logger.Info("site channel unregistered", slog.String("site_id", ch.SiteID()))
	if fn != nil {
		fn(ch.SiteID())
	}
	return true
}

// Connected lists the sites with a live channel.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.channels))
	for id := range h.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CloseAll closes every live channel.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	chans := make([]Channel, 0, len(h.channels))
	for _, ch := range h.channels {
		chans = append(chans, ch)
	}
	h.mu.RUnlock()
	for _, ch := range chans {
		ch.Close()
	}
}
