package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/knowmesh/artifact"
	"github.com/BaSui01/knowmesh/exchange"
)

// =============================================================================
// 📤 导出工件 Handler
// =============================================================================

// ArtifactsHandler publishes the export staging store as an exchange listing.
// Peers filter the listing themselves; only artifacts that already passed the
// export gate are ever staged.
type ArtifactsHandler struct {
	nodeID  string
	staging artifact.Store
	logger  *zap.Logger
}

// NewArtifactsHandler creates the listing handler.
func NewArtifactsHandler(nodeID string, staging artifact.Store, logger *zap.Logger) *ArtifactsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArtifactsHandler{
		nodeID:  nodeID,
		staging: staging,
		logger:  logger.With(zap.String("handler", "artifacts")),
	}
}

// ServeHTTP handles GET /v1/artifacts.
func (h *ArtifactsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	all, err := h.staging.List(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	// 私有工件永不外发，即使被手工放入暂存区
	public := make([]*artifact.Artifact, 0, len(all))
	for _, a := range all {
		if a.IsPublic() {
			public = append(public, a)
		}
	}
	WriteJSON(w, http.StatusOK, exchange.Listing{SourceNode: h.nodeID, Artifacts: public})
}
