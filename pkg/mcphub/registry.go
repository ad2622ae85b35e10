package mcphub

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/vikashloomba/mcp-hub-go/pkg/configstore"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpconn"
)

// advertisement is the body a registry resource publishes for one server.
type advertisement struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// seedRegistry makes the bootstrap connection present in the store so the
// ordinary reconciliation path spawns it.
func (h *Hub) seedRegistry() {
	if _, ok := h.opts.Servers.Get(RegistryServerID); ok {
		return
	}
	h.opts.Servers.Set(RegistryServerID, configstore.ServerRecord{
		ID:     RegistryServerID,
		URL:    h.opts.RegistryURL,
		Status: configstore.StatusInitializing,
	})
}

// ingestRegistry turns registry resource snapshots into server records.
// This is the only place protocol data becomes configuration: every cached
// resource under the advertisement prefix that decodes to {id,url} is
// written to the store unless an identical pair already exists, after which
// reconciliation takes over.
func (h *Hub) ingestRegistry(snap mcpconn.Snapshot) {
	for _, r := range snap.Resources {
		if !strings.HasPrefix(r.URI, h.opts.RegistryURIPrefix) {
			continue
		}
		content, ok := snap.Contents[r.URI]
		if !ok {
			continue
		}
		adv, ok := decodeAdvertisement(content)
		if !ok {
			h.logger.Debug("skipping malformed server advertisement",
				zap.String("uri", r.URI))
			continue
		}
		if adv.ID == RegistryServerID {
			continue
		}
		if existing, found := h.opts.Servers.Get(adv.ID); found && existing.URL == adv.URL {
			continue
		}
		h.logger.Info("discovered server via registry",
			zap.String("server", adv.ID), zap.String("url", adv.URL))
		h.opts.Servers.Set(adv.ID, configstore.ServerRecord{
			ID:     adv.ID,
			URL:    adv.URL,
			Name:   adv.Name,
			Status: configstore.StatusInitializing,
		})
	}
}

func decodeAdvertisement(content mcpconn.ResourceContent) (advertisement, bool) {
	var adv advertisement
	var raw []byte
	switch {
	case content.JSON != nil:
		b, err := json.Marshal(content.JSON)
		if err != nil {
			return adv, false
		}
		raw = b
	case content.Text != "":
		raw = []byte(content.Text)
	case len(content.Blob) > 0:
		raw = content.Blob
	default:
		return adv, false
	}
	if err := json.Unmarshal(raw, &adv); err != nil {
		return adv, false
	}
	return adv, adv.ID != "" && adv.URL != ""
}
