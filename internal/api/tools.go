package api

import (
	"net/http"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/porterhq/porter/internal/log"
)

// toolsHandler serves the resolved tool catalog for the caller's persona.
type toolsHandler struct {
	logger log.Logger
	tools  ToolCatalog
}

// toolItem is the JSON representation of one catalog entry. This is the
// catalog as the model sees it: proxy wiring details like credential
// injection and token field names stay server-side.
type toolItem struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Origin      string             `json:"origin"`
	Server      string             `json:"server,omitempty"`
	Wrapped     bool               `json:"wrapped"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}

// list handles GET /api/v1/tools.
func (th *toolsHandler) list(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	descs, err := th.tools.Catalog(r.Context(), id.Persona)
	if err != nil {
		th.logger.Error("resolving tool catalog", "error", err, "persona", id.Persona)
		writeError(w, http.StatusInternalServerError, "catalog_failed", "failed to resolve tool catalog")
		return
	}

	items := make([]toolItem, len(descs))
	for i := range descs {
		d := &descs[i]
		items[i] = toolItem{
			Name:        d.Name,
			Description: d.Description,
			Origin:      string(d.Origin),
			Server:      d.Server,
			Wrapped:     d.Wrapped(),
			InputSchema: d.InputSchema,
		}
	}

	writeData(w, http.StatusOK, items)
}
