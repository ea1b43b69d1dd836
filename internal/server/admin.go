package server

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/meterflowlabs/meterflow/internal/ledger/domain"
	"github.com/meterflowlabs/meterflow/internal/money"
	rechargedomain "github.com/meterflowlabs/meterflow/internal/recharge/domain"
	usagedomain "github.com/meterflowlabs/meterflow/internal/usage/domain"
	workspacedomain "github.com/meterflowlabs/meterflow/internal/workspace/domain"
	"github.com/meterflowlabs/meterflow/pkg/db/pagination"
)

func workspaceParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid", "workspace id must be a snowflake id"))
		return 0, false
	}
	return id, true
}

func (s *Server) CreateWorkspace(c *gin.Context) {
	var req workspacedomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", err.Error()))
		return
	}
	w, err := s.workspaces.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, w)
}

func (s *Server) GetWorkspace(c *gin.Context) {
	id, ok := workspaceParam(c)
	if !ok {
		return
	}
	w, err := s.workspaces.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, w)
}

func (s *Server) SuspendWorkspace(c *gin.Context) {
	id, ok := workspaceParam(c)
	if !ok {
		return
	}
	if err := s.workspaces.Suspend(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, gin.H{"status": workspacedomain.StatusSuspended})
}

func (s *Server) GetBalance(c *gin.Context) {
	id, ok := workspaceParam(c)
	if !ok {
		return
	}
	b, err := s.ledger.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, b)
}

type rechargeBody struct {
	Amount money.Amount `json:"amount"`
	Reason string       `json:"reason"`
}

func (s *Server) Recharge(c *gin.Context) {
	id, ok := workspaceParam(c)
	if !ok {
		return
	}
	var body rechargeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", err.Error()))
		return
	}
	if body.Amount <= 0 {
		AbortWithError(c, ledgerdomain.ErrInvalidAmount)
		return
	}

	rec, err := s.recharges.AdminRecharge(c.Request.Context(), rechargedomain.AdminRechargeRequest{
		WorkspaceID:    id,
		Amount:         body.Amount,
		Reason:         strings.TrimSpace(body.Reason),
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, rec)
}

func (s *Server) ListUsage(c *gin.Context) {
	id, ok := workspaceParam(c)
	if !ok {
		return
	}
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, newValidationError("query", "invalid", err.Error()))
		return
	}

	req := usagedomain.ListRequest{
		WorkspaceID: id,
		ServiceKey:  strings.TrimSpace(c.Query("service_key")),
		Page:        page,
	}
	if from, ok := parseTimeQuery(c, "from"); !ok {
		return
	} else {
		req.From = from
	}
	if to, ok := parseTimeQuery(c, "to"); !ok {
		return
	} else {
		req.To = to
	}

	resp, err := s.usage.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondList(c, resp.Records, resp.PageInfo)
}

func (s *Server) GetUsageSummary(c *gin.Context) {
	id, ok := workspaceParam(c)
	if !ok {
		return
	}
	from, ok := parseTimeQuery(c, "from")
	if !ok {
		return
	}
	to, ok := parseTimeQuery(c, "to")
	if !ok {
		return
	}
	start := time.Time{}
	end := s.clock.Now()
	if from != nil {
		start = *from
	}
	if to != nil {
		end = *to
	}

	summary, err := s.usage.SummarizeByService(c.Request.Context(), id, start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, summary)
}

func (s *Server) ListRecharges(c *gin.Context) {
	id, ok := workspaceParam(c)
	if !ok {
		return
	}
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, newValidationError("query", "invalid", err.Error()))
		return
	}
	resp, err := s.recharges.List(c.Request.Context(), rechargedomain.ListRequest{
		WorkspaceID: id,
		Page:        page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondList(c, resp.Records, resp.PageInfo)
}

func parseTimeQuery(c *gin.Context, name string) (*time.Time, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		AbortWithError(c, newValidationError(name, "invalid_time", name+" must be RFC3339"))
		return nil, false
	}
	return &t, true
}
