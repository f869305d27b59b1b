package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trader/internal/engine"
	"spot-trader/pkg/db"
	"spot-trader/pkg/money"
)

const testKey = "test-ops-key"

type stubStats struct{ st engine.Stats }

func (s *stubStats) Stats() engine.Stats { return s.st }

func newTestServer(t *testing.T) (*Server, *db.Store) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "trader.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	store := db.NewStore(database)

	stats := &stubStats{st: engine.Stats{
		Strategy: "momentum",
		Paper:    true,
		Equity:   money.MustParse("10000"),
	}}
	return NewServer(store, stats, testKey), store
}

func get(t *testing.T, s *Server, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func TestHealthNeedsNoToken(t *testing.T) {
	s, _ := newTestServer(t)
	w := get(t, s, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOpsEndpointsRejectMissingToken(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{"/api/status", "/api/positions", "/api/orders/open", "/api/equity"} {
		w := get(t, s, path, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestOpsEndpointsRejectForgedToken(t *testing.T) {
	s, _ := newTestServer(t)
	forged, err := IssueToken("some-other-key", time.Hour)
	require.NoError(t, err)
	w := get(t, s, "/api/status", forged)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStatusReportsEngineAndTrades(t *testing.T) {
	s, _ := newTestServer(t)
	token, err := IssueToken(testKey, time.Hour)
	require.NoError(t, err)

	w := get(t, s, "/api/status", token)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "momentum", resp["strategy"])
	assert.Equal(t, true, resp["paper"])
	assert.Equal(t, float64(0), resp["trades"])
}

func TestPositionsListsOpenPositions(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertOrder(ctx, db.Order{
		ClientID: "entry-1", Product: "ATOM-USD", Side: db.SideBuy,
		Kind: db.KindLimitGTCPostOnly, Status: db.StatusFilled,
		SubmittedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.OpenPosition(ctx, db.Position{
		ID: "pos-1", Product: "ATOM-USD", Strategy: "momentum", OpenedAt: time.Now().UTC(),
	}, nil))

	token, err := IssueToken(testKey, time.Hour)
	require.NoError(t, err)
	w := get(t, s, "/api/positions", token)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Positions []positionResponse `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Positions, 1)
	assert.Equal(t, "ATOM-USD", resp.Positions[0].Product)
}

func TestEquityReturnsNotFoundBeforeFirstSnapshot(t *testing.T) {
	s, store := newTestServer(t)
	token, err := IssueToken(testKey, time.Hour)
	require.NoError(t, err)

	w := get(t, s, "/api/equity", token)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, store.SnapshotEquity(context.Background(), db.EquitySnapshot{
		Time:      time.Now().UTC(),
		CashQuote: money.MustParse("9000"),
		Total:     money.MustParse("10000"),
	}))
	w = get(t, s, "/api/equity", token)
	assert.Equal(t, http.StatusOK, w.Code)
}
