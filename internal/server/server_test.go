package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	addondomain "github.com/taskora/metering/internal/addon/domain"
	addonservice "github.com/taskora/metering/internal/addon/service"
	allowancedomain "github.com/taskora/metering/internal/allowance/domain"
	allowanceservice "github.com/taskora/metering/internal/allowance/service"
	billingservice "github.com/taskora/metering/internal/billingperiod/service"
	"github.com/taskora/metering/internal/clock"
	"github.com/taskora/metering/internal/config"
	plandomain "github.com/taskora/metering/internal/plan/domain"
	planservice "github.com/taskora/metering/internal/plan/service"
	reservationdomain "github.com/taskora/metering/internal/reservation/domain"
	reservationservice "github.com/taskora/metering/internal/reservation/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	engine *gin.Engine
	node   *snowflake.Node
	db     *gorm.DB
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&plandomain.PlanTier{},
		&plandomain.PlanAssignment{},
		&allowancedomain.AllowanceRecord{},
		&allowancedomain.LedgerEntry{},
		&allowancedomain.UsageHistory{},
		&addondomain.AddOnPurchase{},
		&addondomain.ProviderEvent{},
		&reservationdomain.TokenReservation{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	log := zap.NewNop()
	fake := clock.NewFakeClock(time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC))
	holder := config.NewStaticMeteringConfigHolder(config.DefaultMeteringConfig())

	plansvc := planservice.NewService(planservice.ServiceParam{DB: db, Log: log, GenID: node})
	require.NoError(t, db.Create(&plandomain.PlanTier{
		ID: node.Generate(), Code: "free", Name: "Free", BaseAllowance: 10_000,
	}).Error)

	allowancesvc := allowanceservice.NewService(allowanceservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fake, Cfg: holder, PlanSvc: plansvc,
	})
	periodsvc := billingservice.NewService(billingservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fake, PlanSvc: plansvc,
	})
	addonsvc := addonservice.NewService(addonservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fake, Cfg: holder,
		AllowanceSvc: allowancesvc, PeriodSvc: periodsvc,
	})
	reservationsvc := reservationservice.NewService(reservationservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fake, Cfg: holder,
		AllowanceSvc: allowancesvc, PeriodSvc: periodsvc,
	})

	engine := NewEngine(log)
	NewServer(ServerParams{
		Gin:            engine,
		GenID:          node,
		AllowanceSvc:   allowancesvc,
		ReservationSvc: reservationsvc,
		PeriodSvc:      periodsvc,
		AddonSvc:       addonsvc,
		PlanSvc:        plansvc,
	})

	return &fixture{engine: engine, node: node, db: db}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func TestReservationLifecycleOverHTTP(t *testing.T) {
	f := setup(t)
	principalID := f.node.Generate().String()

	w := f.do(t, http.MethodPost, "/v1/reservations", gin.H{
		"principal_id":     principalID,
		"estimated_tokens": 2000,
		"kind":             "generation",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var reservation reservationdomain.TokenReservation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reservation))

	w = f.do(t, http.MethodPost, fmt.Sprintf("/v1/reservations/%s/commit", reservation.ID), gin.H{
		"actual_tokens": 1500,
		"work_ref":      "doc-1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, fmt.Sprintf("/v1/principals/%s/allowance?quantity=1000", principalID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var check allowancedomain.CheckAllowanceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &check))
	assert.True(t, check.HasAllowance)
	assert.Equal(t, int64(8_500), check.Available)
}

func TestReserve_InsufficientCapacityReturns402(t *testing.T) {
	f := setup(t)
	principalID := f.node.Generate().String()

	w := f.do(t, http.MethodPost, "/v1/reservations", gin.H{
		"principal_id":     principalID,
		"estimated_tokens": 50_000,
	})
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient_capacity", resp.Error.Type)
	require.NotNil(t, resp.Error.Available)
	assert.Equal(t, int64(10_000), *resp.Error.Available)
}

func TestPaymentWebhook_PurchaseConfirmed(t *testing.T) {
	f := setup(t)
	principalID := f.node.Generate()

	body := gin.H{
		"provider":        "stripe",
		"event_id":        "evt-http-1",
		"event_type":      "purchase.confirmed",
		"principal_id":    principalID.String(),
		"addon_type":      "credit_pack",
		"credits_granted": 5000,
	}

	w := f.do(t, http.MethodPost, "/v1/webhooks/payment", body)
	require.Equal(t, http.StatusOK, w.Code)

	// Provider retry gets the same 200 without double-granting.
	w = f.do(t, http.MethodPost, "/v1/webhooks/payment", body)
	require.Equal(t, http.StatusOK, w.Code)

	var record allowancedomain.AllowanceRecord
	require.NoError(t, f.db.Where("principal_id = ?", principalID).First(&record).Error)
	assert.Equal(t, int64(5_000), record.AddonCredits)
}

func TestPaymentWebhook_UnknownEventAcknowledged(t *testing.T) {
	f := setup(t)

	w := f.do(t, http.MethodPost, "/v1/webhooks/payment", gin.H{
		"provider":   "stripe",
		"event_id":   "evt-x",
		"event_type": "invoice.created",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
}

func TestRefundOverHTTP(t *testing.T) {
	f := setup(t)
	principalID := f.node.Generate().String()

	w := f.do(t, http.MethodPost, "/v1/reservations", gin.H{
		"principal_id":     principalID,
		"estimated_tokens": 1000,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var reservation reservationdomain.TokenReservation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reservation))

	w = f.do(t, http.MethodPost, fmt.Sprintf("/v1/reservations/%s/commit", reservation.ID), gin.H{
		"actual_tokens": 500,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var entry allowancedomain.LedgerEntry
	require.NoError(t, f.db.Where("operation_type = ?", allowancedomain.OperationDeduct).First(&entry).Error)

	w = f.do(t, http.MethodPost, fmt.Sprintf("/v1/ledger/%s/refund", entry.ID), gin.H{
		"reason": "work discarded",
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Second refund conflicts.
	w = f.do(t, http.MethodPost, fmt.Sprintf("/v1/ledger/%s/refund", entry.ID), gin.H{
		"reason": "again",
	})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestListPlans(t *testing.T) {
	f := setup(t)

	w := f.do(t, http.MethodGet, "/v1/plans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "free")
}
