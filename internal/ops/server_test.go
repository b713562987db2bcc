package ops

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/health"
	"github.com/rustyeddy/copytrader/internal/id"
	"github.com/rustyeddy/copytrader/journal"
	"github.com/rustyeddy/copytrader/orchestrator"
)

type staticUnits []orchestrator.UnitStatus

func (s staticUnits) Units() []orchestrator.UnitStatus { return s }

type testServer struct {
	mon *health.Monitor
	j   *journal.Memory
	srv *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	mon := health.NewMonitor(health.DefaultConfig(), health.WithMetrics(health.NewMetrics(reg)))
	j := journal.NewMemory()

	units := staticUnits{{Ref: broker.Platform("main", "paper"), Mode: orchestrator.ModeStrategy, Cycles: 4, Trading: true}}
	h := NewHandler(mon, units, j, reg, nil)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &testServer{mon: mon, j: j, srv: srv}
}

func (s *testServer) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthReport(t *testing.T) {
	s := newTestServer(t)
	good := broker.User("good", "paper")
	bad := broker.User("bad", "paper")
	s.mon.Register(good)
	s.mon.RecordFailure(bad, health.AuthError, errors.New("token revoked"))

	var rep health.Report
	require.Equal(t, http.StatusOK, s.get(t, "/health", &rep))
	assert.Equal(t, 2, rep.TotalAccounts)
	assert.Equal(t, 1, rep.CountsByStatus[health.StatusHealthy])
	assert.Equal(t, 1, rep.CountsByStatus[health.StatusQuarantined])
	assert.Equal(t, 1, rep.TotalFailures)

	var rec health.Record
	require.Equal(t, http.StatusOK, s.get(t, "/health/user/paper/bad", &rec))
	assert.Equal(t, health.StatusQuarantined, rec.Status)
	assert.Equal(t, health.AuthError, rec.LastFailureKind)

	assert.Equal(t, http.StatusNotFound, s.get(t, "/health/user/paper/nobody", nil))
	assert.Equal(t, http.StatusBadRequest, s.get(t, "/health/admin/paper/bad", nil))
}

func TestResetQuarantinedAccount(t *testing.T) {
	s := newTestServer(t)
	bad := broker.User("bad", "paper")
	s.mon.RecordFailure(bad, health.AuthError, errors.New("token revoked"))

	resp, err := http.Post(s.srv.URL+"/health/user/paper/bad/reset", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec health.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, health.StatusHealthy, rec.Status)
	assert.Equal(t, health.CircuitClosed, rec.Circuit)

	ok, _ := s.mon.CanExecute(bad)
	assert.True(t, ok)

	resp2, err := http.Get(s.srv.URL + "/health/user/paper/bad/reset")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}

func TestUnits(t *testing.T) {
	s := newTestServer(t)

	var units []orchestrator.UnitStatus
	require.Equal(t, http.StatusOK, s.get(t, "/units", &units))
	require.Len(t, units, 1)
	assert.Equal(t, broker.Platform("main", "paper"), units[0].Ref)
	assert.Equal(t, int64(4), units[0].Cycles)
}

func TestCopiesAndFills(t *testing.T) {
	s := newTestServer(t)
	fill := journal.MasterFill{
		TradeID:        id.NewAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		Symbol:         "EUR_USD",
		Side:           broker.SideBuy,
		FilledQuantity: decimal.NewFromInt(5),
		FilledPrice:    decimal.NewFromInt(100),
		BrokerID:       "paper",
		AccountID:      "main",
		Status:         broker.StatusFilled,
		Timestamp:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.j.RecordFill(fill))
	for _, rec := range []*journal.CopyExecutionRecord{
		{MasterTradeID: fill.TradeID, UserID: "alice", BrokerID: "paper", Outcome: journal.OutcomeFilled, UserOrderID: "o-1"},
		{MasterTradeID: fill.TradeID, UserID: "bob", BrokerID: "paper", Outcome: journal.OutcomeSkipped, Reason: "below dust threshold"},
	} {
		require.NoError(t, s.j.RecordCopy(rec))
	}

	var got copiesResponse
	require.Equal(t, http.StatusOK, s.get(t, "/copies/"+fill.TradeID, &got))
	assert.Equal(t, fill.TradeID, got.Fill.TradeID)
	assert.Equal(t, 2, got.Summary.Total)
	assert.Equal(t, 1, got.Summary.Filled)
	assert.Equal(t, 1, got.Summary.Skipped)
	assert.True(t, fill.Timestamp.Equal(got.IssuedAt), got.IssuedAt)

	assert.Equal(t, http.StatusNotFound, s.get(t, "/copies/unknown", nil))

	var fills []journal.MasterFill
	require.Equal(t, http.StatusOK, s.get(t, "/fills?limit=10", &fills))
	require.Len(t, fills, 1)
	assert.True(t, fills[0].FilledQuantity.Equal(decimal.NewFromInt(5)))

	assert.Equal(t, http.StatusBadRequest, s.get(t, "/fills?limit=zero", nil))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.mon.RecordFailure(broker.User("bad", "paper"), health.NetworkError, errors.New("reset by peer"))

	resp, err := http.Get(s.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "copytrader_")
}
