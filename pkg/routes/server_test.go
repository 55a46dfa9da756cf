package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/lily/pkg/events"
	"github.com/Ramsey-B/lily/pkg/ingestion"
	"github.com/Ramsey-B/lily/pkg/locking"
	"github.com/Ramsey-B/lily/pkg/matching"
	"github.com/Ramsey-B/lily/pkg/merging"
	"github.com/Ramsey-B/lily/pkg/middleware"
	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/normalizers"
	"github.com/Ramsey-B/lily/pkg/resolution"
	"github.com/Ramsey-B/lily/pkg/routes/entity"
	"github.com/Ramsey-B/lily/pkg/routes/health"
	"github.com/Ramsey-B/lily/pkg/routes/review"
	"github.com/Ramsey-B/lily/pkg/store"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	handler http.Handler
	engine  *resolution.Engine
	checker *health.Checker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	mem := store.NewMemory()

	generator := matching.NewCandidateGenerator(matching.DefaultBlockingConfig(), mem, normalizers.Default, logger)
	scorer := matching.NewSimilarityScorer(matching.DefaultConfig(), normalizers.Default)
	merger := merging.NewManager(mem, generator, nil, logger)
	engine := resolution.NewEngine(logger, resolution.DefaultConfig(), mem, normalizers.Default, scorer, generator, merger,
		locking.NewLocal(time.Second), events.NewEmitter(logger, &events.Recorder{}))
	coordinator := ingestion.NewCoordinator(logger, ingestion.DefaultConfig(), engine, mem)

	checker := health.NewChecker("test")
	server := NewServer(Options{}, logger, coordinator, engine, checker)
	return &fixture{handler: server.Handler(), engine: engine, checker: checker}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderReviewer, "coach")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func swimmer(nativeID, name string, at time.Time) models.RawObservation {
	return models.RawObservation{
		SourceNativeID: nativeID,
		Kind:           models.EntityKindSwimmer,
		Attributes: map[string]string{
			models.AttrName:      name,
			models.AttrGender:    "F",
			models.AttrBirthYear: "2007",
			models.AttrEvent:     "200 Free SCY",
			models.AttrTime:      "1:45.20",
		},
		ObservedAt: at,
	}
}

func TestServer_IngestAndQuery(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/ingest/swimcloud", map[string]any{
		"observations": []models.RawObservation{
			swimmer("1", "Katie Ledecky", base),
			swimmer("2", "Regan Smith", base.Add(time.Minute)),
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[models.IngestionReport](t, rec)
	assert.Equal(t, 2, report.Applied)
	assert.Equal(t, "swimcloud", report.Source)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = f.do(t, http.MethodGet, "/api/v1/entities?kind=swimmer&alias="+url.QueryEscape("katie  ledecky"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	found := decode[[]models.CanonicalEntity](t, rec)
	require.Len(t, found, 1)
	id := found[0].ID

	rec = f.do(t, http.MethodGet, "/api/v1/entities/"+itoa(id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[entity.Response](t, rec)
	assert.Equal(t, "Katie Ledecky", got.Attributes.Swimmer.Name)
	assert.Equal(t, id, got.RequestedID)

	rec = f.do(t, http.MethodGet, "/api/v1/entities/"+itoa(id)+"/performances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	performances := decode[[]models.PerformanceRecord](t, rec)
	require.Len(t, performances, 1)
	assert.Equal(t, "1:45.20", performances[0].TimeFormatted)

	rec = f.do(t, http.MethodGet, "/api/v1/decisions/"+report.DecisionIDs[0], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[models.MatchDecision](t, rec)
	assert.Equal(t, models.ActionCreateNew, d.Action)
}

func TestServer_IngestValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		target string
		body   any
		want   int
	}{
		{"empty batch", "/api/v1/ingest/swimcloud", map[string]any{"observations": []models.RawObservation{}}, http.StatusBadRequest},
		{"missing observations", "/api/v1/ingest/swimcloud", map[string]any{}, http.StatusBadRequest},
		{"not json", "/api/v1/ingest/swimcloud", "nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			resp := decode[middleware.ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestServer_MalformedObservationIsReportedNotFailed(t *testing.T) {
	f := newFixture(t)

	bad := swimmer("1", "Summer McIntosh", base)
	bad.Attributes[models.AttrTime] = "abc"
	rec := f.do(t, http.MethodPost, "/api/v1/ingest/swimcloud", map[string]any{"observations": []models.RawObservation{bad}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[models.IngestionReport](t, rec)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 0, report.Applied)
}

func TestServer_EntityErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"unknown entity", "/api/v1/entities/999", http.StatusNotFound},
		{"bad id", "/api/v1/entities/abc", http.StatusBadRequest},
		{"bad kind", "/api/v1/entities?kind=coach&alias=x", http.StatusBadRequest},
		{"missing alias", "/api/v1/entities?kind=team", http.StatusBadRequest},
		{"unknown decision", "/api/v1/decisions/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_ReviewFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	obs := swimmer("9", "Claire Curzan", base)
	obs.Source = "usaswimming"
	parked, err := f.engine.Park(ctx, obs, models.ParkReasonContention, true, errors.New("lock wait timed out"))
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/review", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	queue := decode[review.QueueResponse](t, rec)
	require.Equal(t, 1, queue.Count)
	assert.Equal(t, parked.ID, queue.Items[0].Item.DecisionID)
	assert.True(t, queue.Items[0].Decision.Infrastructure)

	rec = f.do(t, http.MethodPost, "/api/v1/review/"+parked.ID+"/reject", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := decode[models.MatchDecision](t, rec)
	require.NotNil(t, resolved.ReviewOf)
	assert.Equal(t, parked.ID, *resolved.ReviewOf)
	assert.Equal(t, models.OutcomeApplied, resolved.Outcome)
	require.NotNil(t, resolved.EntityID)

	rec = f.do(t, http.MethodPost, "/api/v1/review/"+parked.ID+"/accept", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/review?limit=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[review.QueueResponse](t, rec).Count)

	rec = f.do(t, http.MethodGet, "/api/v1/review?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/review/missing/accept", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	f.checker.AddCheck("postgres", health.PingFunc(func(context.Context) error { return errors.New("connection refused") }))
	rec = f.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	status := decode[health.HealthStatus](t, rec)
	assert.Equal(t, "unhealthy", status.Checks["postgres"].Status)

	rec = f.do(t, http.MethodGet, "/api/v1/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	f.checker.SetReady(true)
	rec = f.do(t, http.MethodGet, "/api/v1/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
