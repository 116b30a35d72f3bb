package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/knowmesh/registry"
)

// RegistryDocumentPath is where a serving node publishes its registry.
const RegistryDocumentPath = "/v1/registry"

// Snapshotter returns the durable registry document.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*registry.Document, error)
}

// RegistryHandler publishes the registry document for peer sync.
type RegistryHandler struct {
	registry Snapshotter
	logger   *zap.Logger
}

// NewRegistryHandler creates the registry handler.
func NewRegistryHandler(reg Snapshotter, logger *zap.Logger) *RegistryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistryHandler{registry: reg, logger: logger.With(zap.String("handler", "registry"))}
}

// ServeHTTP handles GET /v1/registry.
func (h *RegistryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	doc, err := h.registry.Snapshot(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, doc)
}
