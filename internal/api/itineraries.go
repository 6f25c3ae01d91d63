package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/tripchat/internal/domain"
	"github.com/ashureev/tripchat/internal/identity"
	"github.com/ashureev/tripchat/internal/itinerary"
	"github.com/ashureev/tripchat/internal/store"
)

// ItineraryReader is the read side of itinerary persistence.
type ItineraryReader interface {
	GetItinerary(ctx context.Context, userID, id string) (*domain.StoredItinerary, error)
	ListItineraries(ctx context.Context, userID string) ([]*domain.StoredItinerary, error)
}

// ItineraryHandler serves a user's saved itineraries.
type ItineraryHandler struct {
	repo ItineraryReader
}

// NewItineraryHandler creates an itinerary handler.
func NewItineraryHandler(repo ItineraryReader) *ItineraryHandler {
	return &ItineraryHandler{repo: repo}
}

// RegisterRoutes registers itinerary routes (requires identity).
func (h *ItineraryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/itineraries", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Get("/{id}/calendar.ics", h.Calendar)
	})
}

// List handles GET /api/itineraries.
func (h *ItineraryHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	items, err := h.repo.ListItineraries(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list itineraries", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list itineraries")
		return
	}
	if items == nil {
		items = []*domain.StoredItinerary{}
	}
	JSON(w, http.StatusOK, map[string]any{"itineraries": items})
}

// Get handles GET /api/itineraries/{id}.
func (h *ItineraryHandler) Get(w http.ResponseWriter, r *http.Request) {
	it, ok := h.load(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, it)
}

// Calendar handles GET /api/itineraries/{id}/calendar.ics.
func (h *ItineraryHandler) Calendar(w http.ResponseWriter, r *http.Request) {
	it, ok := h.load(w, r)
	if !ok {
		return
	}

	body, err := itinerary.Calendar(CompletedTripFromStored(it))
	if err != nil {
		slog.Warn("Failed to export itinerary calendar", "itinerary_id", it.ID, "error", err)
		Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="itinerary-`+it.ID+`.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (h *ItineraryHandler) load(w http.ResponseWriter, r *http.Request) (*domain.StoredItinerary, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	id := chi.URLParam(r, "id")

	it, err := h.repo.GetItinerary(r.Context(), userID, id)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "itinerary not found")
		return nil, false
	}
	if err != nil {
		slog.Error("Failed to load itinerary", "user_id", userID, "itinerary_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load itinerary")
		return nil, false
	}
	return it, true
}

// CompletedTripFromStored rebuilds a completed trip from its persisted form.
// The draft travels in the metadata under "draft".
func CompletedTripFromStored(it *domain.StoredItinerary) domain.CompletedTrip {
	trip := domain.CompletedTrip{
		ID:            it.ID,
		ItineraryText: it.ItineraryText,
		Structured:    it.Structured,
		ChatID:        it.ChatID,
		GeneratedAt:   it.CreatedAt,
		Metadata:      it.Metadata,
	}
	if raw, ok := it.Metadata["draft"]; ok {
		if data, err := json.Marshal(raw); err == nil {
			_ = json.Unmarshal(data, &trip.Draft)
		}
	}
	if trip.Draft.VacationLocation == "" {
		if loc, ok := it.Metadata["vacationLocation"].(string); ok {
			trip.Draft.VacationLocation = loc
		}
	}
	return trip
}
