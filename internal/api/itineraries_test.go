package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/tripchat/internal/domain"
	"github.com/ashureev/tripchat/internal/identity"
	"github.com/ashureev/tripchat/internal/store"
)

const testUser = "anon_0123456789abcdef0123456789abcdef"

func newTestRouter(t *testing.T) (*chi.Mux, *store.SQLiteStore) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(identity.WithIdentity(req.Context(), testUser, "chat-1")))
		})
	})
	NewItineraryHandler(repo).RegisterRoutes(r)
	NewHealthHandler(repo).RegisterHealth(r)
	return r, repo
}

func saveParis(t *testing.T, repo *store.SQLiteStore) string {
	t.Helper()
	id, err := repo.SaveItinerary(context.Background(), &domain.StoredItinerary{
		ID:            "trip-1",
		ChatID:        "chat-1",
		UserID:        testUser,
		ItineraryText: "Day 1: Arrival\n- Check in\nDay 2: Louvre\n- Museum",
		Metadata: map[string]any{
			"vacationLocation": "Paris",
			"draft": domain.TripDraft{
				VacationLocation: "Paris",
				Dates:            &domain.DateRange{From: "2024-06-01", To: "2024-06-02"},
			},
		},
		CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return id
}

func TestItineraryRoutes(t *testing.T) {
	r, repo := newTestRouter(t)
	id := saveParis(t, repo)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/itineraries/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Itineraries []domain.StoredItinerary `json:"itineraries"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Itineraries, 1)
	assert.Equal(t, id, list.Itineraries[0].ID)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/itineraries/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.StoredItinerary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Contains(t, got.ItineraryText, "Louvre")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/itineraries/"+id+"/calendar.ics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/calendar; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "BEGIN:VCALENDAR")
	assert.Contains(t, rec.Body.String(), "20240602")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/itineraries/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCalendarWithoutDatesIsUnprocessable(t *testing.T) {
	r, repo := newTestRouter(t)
	_, err := repo.SaveItinerary(context.Background(), &domain.StoredItinerary{
		ID: "trip-2", ChatID: "chat-1", UserID: testUser,
		ItineraryText: "Day 1: Wander", CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/itineraries/trip-2/calendar.ics", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCompletedTripFromStored(t *testing.T) {
	trip := CompletedTripFromStored(&domain.StoredItinerary{
		ID:       "x",
		Metadata: map[string]any{"draft": map[string]any{"vacationLocation": "Rome", "duration": 3}},
	})
	assert.Equal(t, "Rome", trip.Draft.VacationLocation)
	require.NotNil(t, trip.Draft.Duration)
	assert.Equal(t, 3, *trip.Draft.Duration)

	trip = CompletedTripFromStored(&domain.StoredItinerary{Metadata: map[string]any{"vacationLocation": "Oslo"}})
	assert.Equal(t, "Oslo", trip.Draft.VacationLocation)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"ok"`)

	h := NewHealthHandler(pingFunc(func(context.Context) error { return errors.New("closed") }))
	h.AddCheck("nats", func() bool { return false })
	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"nats":"unavailable"`)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}
