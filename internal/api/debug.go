package api

import (
	"net/http"

	"github.com/porterhq/porter/internal/observability"
)

// debugHandler exposes the in-memory debug event ring. Registered only in
// dev mode with a ring attached; the ring never influences conversation
// state, so this surface is read-only by construction.
type debugHandler struct {
	ring *observability.Ring
}

// events handles GET /api/v1/debug/events — recorded run events, oldest
// first, bounded by the ring capacity.
func (dh *debugHandler) events(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r); !ok {
		return
	}

	writeData(w, http.StatusOK, dh.ring.Snapshot())
}
