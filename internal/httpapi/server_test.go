package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"btdeck/internal/backtest"
	"btdeck/internal/daterange"
	"btdeck/internal/history"
	"btdeck/internal/service"
	"btdeck/internal/workflow"
)

type fakeCatalogView struct {
	entries map[history.SeriesKey]history.CatalogEntry
}

func (f *fakeCatalogView) Entry(key history.SeriesKey) (history.CatalogEntry, bool) {
	entry, ok := f.entries[key]
	return entry, ok
}

type fakeDownloader struct{}

func (fakeDownloader) Download(_ context.Context, key history.SeriesKey, rng daterange.DateRange, _ bool) (history.CatalogEntry, error) {
	return history.CatalogEntry{Key: key, MinDate: rng.Start, MaxDate: rng.End}, nil
}

type fakeSubmitter struct {
	block   chan struct{} // 非空时提交前等待，模拟长回测
	outcome backtest.Outcome
}

func (f *fakeSubmitter) Submit(_ context.Context, _ backtest.Request) (backtest.Outcome, error) {
	if f.block != nil {
		<-f.block
	}
	return f.outcome, nil
}

type harness struct {
	runner *Runner
	server *Server
	ts     *httptest.Server
}

func newHarness(t *testing.T, catalog *fakeCatalogView, submitter *fakeSubmitter) *harness {
	t.Helper()
	runner := NewRunner(nil, nil, false)
	negotiator, err := workflow.NewNegotiator(runner)
	assert.NoError(t, err)
	wf, err := workflow.New(catalog, fakeDownloader{}, submitter, negotiator, nil)
	assert.NoError(t, err)
	runner.BindWorkflow(wf)

	catalogStore := history.NewCatalog()
	coord, err := history.NewCoordinator(stubHistoryAPI{}, catalogStore)
	assert.NoError(t, err)

	server, err := NewServer(ServerConfig{
		Addr:    ":0",
		Runner:  runner,
		Catalog: catalogStore,
		Coord:   coord,
	})
	assert.NoError(t, err)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return &harness{runner: runner, server: server, ts: ts}
}

type stubHistoryAPI struct{}

func (stubHistoryAPI) ListHistory(context.Context) (map[string]map[string]service.HistoryMeta, error) {
	return map[string]map[string]service.HistoryMeta{}, nil
}
func (stubHistoryAPI) DownloadHistory(context.Context, service.DownloadRequest) (*service.DownloadResponse, error) {
	return &service.DownloadResponse{Success: true}, nil
}
func (stubHistoryAPI) DeleteHistory(context.Context, string, string) (*service.DeleteResponse, error) {
	return &service.DeleteResponse{Success: true}, nil
}

func coveredCatalog(t *testing.T) *fakeCatalogView {
	t.Helper()
	rng, err := daterange.Parse("2023-01-01", "2023-12-31")
	assert.NoError(t, err)
	key := history.SeriesKey{Symbol: "BTC/USDT", Timeframe: "1d"}
	return &fakeCatalogView{entries: map[history.SeriesKey]history.CatalogEntry{
		key: {Key: key, MinDate: rng.Start, MaxDate: rng.End, Filename: "BTC_USDT-1d.json"},
	}}
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	assert.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func getAttempt(t *testing.T, ts *httptest.Server, id string) map[string]any {
	t.Helper()
	resp, err := http.Get(ts.URL + "/api/backtest/" + id)
	assert.NoError(t, err)
	defer resp.Body.Close()
	var out struct {
		Attempt map[string]any `json:"attempt"`
	}
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Attempt
}

const startBody = `{"strategy": "cross_sma", "symbol": "BTC/USDT", "timeframe": "1d", "start_date": "2023-01-01", "end_date": "2023-06-01"}`

func TestBacktestEndpoint(t *testing.T) {
	t.Run("Covered Run Completes", func(t *testing.T) {
		h := newHarness(t, coveredCatalog(t), &fakeSubmitter{outcome: backtest.Outcome{Kind: backtest.OutcomeSuccess}})

		resp, body := postJSON(t, h.ts.URL+"/api/backtest", startBody)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		id := body["attempt_id"].(string)
		assert.NotEmpty(t, id)

		assert.Eventually(t, func() bool {
			return getAttempt(t, h.ts, id)["status"] == AttemptDone
		}, 3*time.Second, 20*time.Millisecond)

		attempt := getAttempt(t, h.ts, id)
		outcome := attempt["outcome"].(map[string]any)
		assert.Equal(t, "success", outcome["kind"])
	})

	t.Run("Second Start Rejected While Running", func(t *testing.T) {
		blocker := &fakeSubmitter{block: make(chan struct{}), outcome: backtest.Outcome{Kind: backtest.OutcomeSuccess}}
		h := newHarness(t, coveredCatalog(t), blocker)

		resp, _ := postJSON(t, h.ts.URL+"/api/backtest", startBody)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		resp, _ = postJSON(t, h.ts.URL+"/api/backtest", startBody)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)

		close(blocker.block)
	})

	t.Run("Negotiation Decision Over HTTP", func(t *testing.T) {
		// 空清单触发协商：覆盖未知，需要操作者确认。
		h := newHarness(t, &fakeCatalogView{}, &fakeSubmitter{outcome: backtest.Outcome{Kind: backtest.OutcomeSuccess}})

		_, body := postJSON(t, h.ts.URL+"/api/backtest", startBody)
		id := body["attempt_id"].(string)

		assert.Eventually(t, func() bool {
			return getAttempt(t, h.ts, id)["status"] == AttemptAwaiting
		}, 3*time.Second, 20*time.Millisecond)

		attempt := getAttempt(t, h.ts, id)
		prompt := attempt["prompt"].(map[string]any)
		assert.Equal(t, "BTC/USDT", prompt["symbol"])
		assert.Equal(t, "2023-01-01", prompt["proposed_start"])

		resp, _ := postJSON(t, h.ts.URL+"/api/backtest/"+id+"/decision", `{"accept": true}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		assert.Eventually(t, func() bool {
			return getAttempt(t, h.ts, id)["status"] == AttemptDone
		}, 3*time.Second, 20*time.Millisecond)
		outcome := getAttempt(t, h.ts, id)["outcome"].(map[string]any)
		assert.Equal(t, "success", outcome["kind"])
	})

	t.Run("Cancel Marks Attempt Cancelled", func(t *testing.T) {
		h := newHarness(t, &fakeCatalogView{}, &fakeSubmitter{outcome: backtest.Outcome{Kind: backtest.OutcomeSuccess}})

		_, body := postJSON(t, h.ts.URL+"/api/backtest", startBody)
		id := body["attempt_id"].(string)

		assert.Eventually(t, func() bool {
			return getAttempt(t, h.ts, id)["status"] == AttemptAwaiting
		}, 3*time.Second, 20*time.Millisecond)

		resp, _ := postJSON(t, h.ts.URL+"/api/backtest/"+id+"/decision", `{"accept": false}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		assert.Eventually(t, func() bool {
			return getAttempt(t, h.ts, id)["status"] == AttemptDone
		}, 3*time.Second, 20*time.Millisecond)
		assert.Equal(t, true, getAttempt(t, h.ts, id)["cancelled"])
	})

	t.Run("Unknown Attempt 404", func(t *testing.T) {
		h := newHarness(t, coveredCatalog(t), &fakeSubmitter{})
		resp, err := http.Get(h.ts.URL + "/api/backtest/no-such-id")
		assert.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Decision Without Pending Prompt Rejected", func(t *testing.T) {
		h := newHarness(t, coveredCatalog(t), &fakeSubmitter{outcome: backtest.Outcome{Kind: backtest.OutcomeSuccess}})

		_, body := postJSON(t, h.ts.URL+"/api/backtest", startBody)
		id := body["attempt_id"].(string)
		assert.Eventually(t, func() bool {
			return getAttempt(t, h.ts, id)["status"] == AttemptDone
		}, 3*time.Second, 20*time.Millisecond)

		resp, _ := postJSON(t, h.ts.URL+"/api/backtest/"+id+"/decision", `{"accept": true}`)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("Bad Request Body", func(t *testing.T) {
		h := newHarness(t, coveredCatalog(t), &fakeSubmitter{})
		resp, _ := postJSON(t, h.ts.URL+"/api/backtest", `{"strategy": "cross_sma"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
