package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	gatewaydomain "github.com/meterflowlabs/meterflow/internal/gateway/domain"
	providerdomain "github.com/meterflowlabs/meterflow/internal/provider/domain"
)

// ListProviders returns the enabled providers. No billing side effect.
func (s *Server) ListProviders(c *gin.Context) {
	respondData(c, s.providers.List())
}

// ChatCompletions is the metered call entry point. The request is
// admitted, estimated, forwarded and settled by the gateway; the
// response carries the provider output plus usage, cost and the
// remaining balance.
func (s *Server) ChatCompletions(c *gin.Context) {
	var body providerdomain.InvokeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", err.Error()))
		return
	}
	if len(body.Messages) == 0 {
		AbortWithError(c, newValidationError("messages", "required", "at least one message is required"))
		return
	}

	resp, err := s.gateway.Invoke(c.Request.Context(), gatewaydomain.MeteredRequest{
		WorkspaceID: workspaceFromContext(c),
		ProviderKey: c.Param("providerKey"),
		RequestID:   c.GetHeader("X-Request-Id"),
		Invoke:      body,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
