package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/meterflowlabs/meterflow/internal/clock"
	"github.com/meterflowlabs/meterflow/internal/config"
	gatewaydomain "github.com/meterflowlabs/meterflow/internal/gateway/domain"
	gatewayrepo "github.com/meterflowlabs/meterflow/internal/gateway/repository"
	gatewayservice "github.com/meterflowlabs/meterflow/internal/gateway/service"
	ledgerdomain "github.com/meterflowlabs/meterflow/internal/ledger/domain"
	ledgerrepo "github.com/meterflowlabs/meterflow/internal/ledger/repository"
	ledgerservice "github.com/meterflowlabs/meterflow/internal/ledger/service"
	"github.com/meterflowlabs/meterflow/internal/observability"
	pricingservice "github.com/meterflowlabs/meterflow/internal/pricing/service"
	providerdomain "github.com/meterflowlabs/meterflow/internal/provider/domain"
	"github.com/meterflowlabs/meterflow/internal/ratelimit"
	rechargedomain "github.com/meterflowlabs/meterflow/internal/recharge/domain"
	rechargerepo "github.com/meterflowlabs/meterflow/internal/recharge/repository"
	rechargeservice "github.com/meterflowlabs/meterflow/internal/recharge/service"
	usagedomain "github.com/meterflowlabs/meterflow/internal/usage/domain"
	usagerepo "github.com/meterflowlabs/meterflow/internal/usage/repository"
	usageservice "github.com/meterflowlabs/meterflow/internal/usage/service"
	workspacedomain "github.com/meterflowlabs/meterflow/internal/workspace/domain"
	workspacerepo "github.com/meterflowlabs/meterflow/internal/workspace/repository"
	workspaceservice "github.com/meterflowlabs/meterflow/internal/workspace/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testAdminToken = "test-admin-token"

type stubClient struct {
	invoke func(ctx context.Context, req providerdomain.InvokeRequest) (*providerdomain.InvokeResult, error)
}

func (c *stubClient) Key() string          { return "openai" }
func (c *stubClient) ServiceKey() string   { return "llm.chat" }
func (c *stubClient) DefaultModel() string { return "test-model" }
func (c *stubClient) Invoke(ctx context.Context, req providerdomain.InvokeRequest) (*providerdomain.InvokeResult, error) {
	return c.invoke(ctx, req)
}

type stubRegistry struct {
	client *stubClient
}

func (r *stubRegistry) Get(key string) (providerdomain.Client, error) {
	if key != "openai" {
		return nil, providerdomain.ErrProviderNotFound
	}
	return r.client, nil
}

func (r *stubRegistry) List() []providerdomain.Info {
	return []providerdomain.Info{{Key: "openai", DefaultModel: "test-model", ServiceKey: "llm.chat"}}
}

type serverHarness struct {
	srv        *Server
	db         *gorm.DB
	chat       *stubClient
	workspaces workspacedomain.Service
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&workspacedomain.Workspace{},
		&ledgerdomain.Balance{},
		&usagedomain.UsageRecord{},
		&gatewaydomain.EstimateHold{},
	))
	require.NoError(t, db.AutoMigrate(&rechargedomain.RechargeRecord{}))

	cfg := config.Config{
		Server: config.ServerConfig{AdminToken: testAdminToken},
		Billing: config.BillingConfig{
			StartingGrant: "10.00",
			HoldTTL:       time.Minute,
			SettleRetries: 1,
		},
		RateLimit: config.RateLimitConfig{
			Enabled:     true,
			Backend:     "memory",
			MaxRequests: 3,
			Window:      time.Minute,
		},
		Pricing: config.PricingConfig{
			Services: map[string]config.ServicePricing{
				"llm.chat": {Kind: "per_thousand_tokens", Rate: "0.03", Type: "llm"},
			},
		},
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	clk := clock.New()

	resolver, err := pricingservice.NewResolver(pricingservice.ResolverParam{Log: log, Config: cfg})
	require.NoError(t, err)

	workspaces, err := workspaceservice.NewService(workspaceservice.ServiceParam{
		DB: db, Log: log, GenID: node, Config: cfg,
		Repo: workspacerepo.Provide(), LedgerRepo: ledgerrepo.Provide(),
	})
	require.NoError(t, err)

	chat := &stubClient{invoke: func(context.Context, providerdomain.InvokeRequest) (*providerdomain.InvokeResult, error) {
		return &providerdomain.InvokeResult{
			Output: json.RawMessage(`{"choices":[]}`),
			Usage:  providerdomain.Usage{PromptTokens: 600, CompletionTokens: 400, TotalTokens: 1000},
			Model:  "test-model",
		}, nil
	}}
	registry := &stubRegistry{client: chat}

	gateway := gatewayservice.NewService(gatewayservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk, Config: cfg,
		HoldRepo:   gatewayrepo.NewHoldRepository(),
		LedgerRepo: ledgerrepo.Provide(),
		UsageRepo:  usagerepo.Provide(),
		Workspaces: workspaces,
		Pricing:    resolver,
		Providers:  registry,
		Metrics:    observability.NewBillingMetrics(observability.NewRegistry()),
	})

	guard := ratelimit.NewMemoryGuard(log, clk, cfg.RateLimit.MaxRequests, cfg.RateLimit.Window, 0)

	srv := NewServer(Param{
		Config: cfg, Log: log, DB: db, Clock: clk,
		Workspaces: workspaces,
		Ledger: ledgerservice.NewService(ledgerservice.ServiceParam{
			DB: db, Log: log, Repo: ledgerrepo.Provide(),
		}),
		Usage: usageservice.NewService(usageservice.ServiceParam{
			DB: db, Log: log, Repo: usagerepo.Provide(),
		}),
		Recharges: rechargeservice.NewService(rechargeservice.ServiceParam{
			DB: db, Log: log, GenID: node,
			Repo: rechargerepo.Provide(), LedgerRepo: ledgerrepo.Provide(),
		}),
		Gateway:   gateway,
		Providers: registry,
		Guard:     guard,
		Registry:  observability.NewRegistry(),
	})

	return &serverHarness{srv: srv, db: db, chat: chat, workspaces: workspaces}
}

func (h *serverHarness) newWorkspace(t *testing.T) snowflake.ID {
	t.Helper()
	w, err := h.workspaces.Create(context.Background(), workspacedomain.CreateRequest{
		Type: workspacedomain.TypePersonal,
	})
	require.NoError(t, err)
	return w.ID
}

func (h *serverHarness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	h.srv.Engine().ServeHTTP(resp, req)
	return resp
}

func adminHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAdminToken}
}

func chatBody() map[string]any {
	return map[string]any{
		"model":      "test-model",
		"messages":   []map[string]string{{"role": "user", "content": "hi"}},
		"max_tokens": 1000,
	}
}

func TestChatCompletions(t *testing.T) {
	h := newServerHarness(t)
	ws := h.newWorkspace(t)

	resp := h.do(t, http.MethodPost, "/platform-ai-providers/openai/chat/completions",
		chatBody(), map[string]string{"X-Workspace-Id": ws.String()})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var out gatewaydomain.MeteredResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	// 1000 tokens at 0.03/1K.
	assert.Equal(t, "0.0300", out.Cost.TotalCost.String())
	assert.Equal(t, "9.9700", out.Balance.String())
	assert.Equal(t, int64(1000), out.Usage.TotalTokens)
	assert.NotEmpty(t, out.RequestID)

	assert.Equal(t, "3", resp.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "2", resp.Header().Get("X-RateLimit-Remaining"))
}

func TestChatCompletionsRequiresWorkspaceHeader(t *testing.T) {
	h := newServerHarness(t)

	resp := h.do(t, http.MethodPost, "/platform-ai-providers/openai/chat/completions", chatBody(), nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestChatCompletionsInsufficientBalance(t *testing.T) {
	h := newServerHarness(t)
	ws := h.newWorkspace(t)

	// Drain all but 0.01.
	ok, err := ledgerrepo.Provide().TryDebit(context.Background(), h.db, ws, 99900)
	require.NoError(t, err)
	require.True(t, ok)

	resp := h.do(t, http.MethodPost, "/platform-ai-providers/openai/chat/completions",
		chatBody(), map[string]string{"X-Workspace-Id": ws.String()})
	require.Equal(t, http.StatusPaymentRequired, resp.Code)

	var out struct {
		Error struct {
			Code             string `json:"code"`
			RemainingBalance string `json:"remaining_balance"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, "insufficient_balance", out.Error.Code)
	assert.Equal(t, "0.0100", out.Error.RemainingBalance)
}

func TestChatCompletionsRateLimited(t *testing.T) {
	h := newServerHarness(t)
	ws := h.newWorkspace(t)
	headers := map[string]string{"X-Workspace-Id": ws.String()}

	for i := 0; i < 3; i++ {
		resp := h.do(t, http.MethodPost, "/platform-ai-providers/openai/chat/completions", chatBody(), headers)
		require.Equal(t, http.StatusOK, resp.Code)
	}

	resp := h.do(t, http.MethodPost, "/platform-ai-providers/openai/chat/completions", chatBody(), headers)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Equal(t, "0", resp.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header().Get("Retry-After"))
	assert.NotEmpty(t, resp.Header().Get("X-RateLimit-Reset"))
}

func TestChatCompletionsProviderTimeout(t *testing.T) {
	h := newServerHarness(t)
	ws := h.newWorkspace(t)
	h.chat.invoke = func(context.Context, providerdomain.InvokeRequest) (*providerdomain.InvokeResult, error) {
		return nil, fmt.Errorf("%w: upstream deadline", providerdomain.ErrProviderTimeout)
	}

	resp := h.do(t, http.MethodPost, "/platform-ai-providers/openai/chat/completions",
		chatBody(), map[string]string{"X-Workspace-Id": ws.String()})
	assert.Equal(t, http.StatusGatewayTimeout, resp.Code)
}

func TestListProviders(t *testing.T) {
	h := newServerHarness(t)

	resp := h.do(t, http.MethodGet, "/platform-ai-providers", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "openai")
}

func TestAdminAuth(t *testing.T) {
	h := newServerHarness(t)
	ws := h.newWorkspace(t)

	resp := h.do(t, http.MethodGet, "/admin/workspaces/"+ws.String()+"/balance", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = h.do(t, http.MethodGet, "/admin/workspaces/"+ws.String()+"/balance", nil,
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = h.do(t, http.MethodGet, "/admin/workspaces/"+ws.String()+"/balance", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "10.0000")
}

func TestAdminRechargeFlow(t *testing.T) {
	h := newServerHarness(t)
	ws := h.newWorkspace(t)

	resp := h.do(t, http.MethodPost, "/admin/workspaces/"+ws.String()+"/recharge",
		map[string]any{"amount": "25.50", "reason": "contract top-up"}, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = h.do(t, http.MethodGet, "/admin/workspaces/"+ws.String()+"/balance", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "35.5000")

	resp = h.do(t, http.MethodGet, "/admin/workspaces/"+ws.String()+"/recharges", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "contract top-up")

	// Invalid amounts are rejected before touching the ledger.
	resp = h.do(t, http.MethodPost, "/admin/workspaces/"+ws.String()+"/recharge",
		map[string]any{"amount": "-5.00"}, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestAdminUsageList(t *testing.T) {
	h := newServerHarness(t)
	ws := h.newWorkspace(t)

	resp := h.do(t, http.MethodPost, "/platform-ai-providers/openai/chat/completions",
		chatBody(), map[string]string{"X-Workspace-Id": ws.String()})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = h.do(t, http.MethodGet, "/admin/workspaces/"+ws.String()+"/usage?page=1&page_size=10", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)

	var out struct {
		Data     []usagedomain.UsageRecord `json:"data"`
		PageInfo struct {
			TotalCount int64 `json:"total_count"`
		} `json:"page_info"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	require.Len(t, out.Data, 1)
	assert.Equal(t, int64(1), out.PageInfo.TotalCount)
	assert.Equal(t, "llm.chat", out.Data[0].ServiceKey)

	resp = h.do(t, http.MethodGet, "/admin/workspaces/"+ws.String()+"/usage?from=not-a-time", nil, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestAdminCreateAndSuspendWorkspace(t *testing.T) {
	h := newServerHarness(t)

	resp := h.do(t, http.MethodPost, "/admin/workspaces",
		map[string]any{"type": "team", "billing_mode": "shared_pool"}, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var out struct {
		Data workspacedomain.Workspace `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, workspacedomain.TypeTeam, out.Data.Type)

	resp = h.do(t, http.MethodPost, "/admin/workspaces/"+out.Data.ID.String()+"/suspend", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)

	// Suspended workspaces are refused at the gateway.
	resp = h.do(t, http.MethodPost, "/platform-ai-providers/openai/chat/completions",
		chatBody(), map[string]string{"X-Workspace-Id": out.Data.ID.String()})
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestHealthz(t *testing.T) {
	h := newServerHarness(t)
	resp := h.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}
