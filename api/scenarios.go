/*
scenarios.go - Demo accounts for development and demonstrations

PURPOSE:
  Provides pre-built player accounts so the storefront can be exercised
  without clicking through registration and top-ups. Each scenario
  registers an account, credits it and optionally buys titles, all through
  the same ledger operations a real client uses.

AVAILABLE SCENARIOS:
  rich-player:  500.00 credits, nothing owned
  broke-player: 1.50 credits, cannot afford paid titles
  collector:    200.00 credits spent on the three cheapest paid titles

HOW SCENARIOS WORK:
  1. Register demo-<id>@nexus.local with the demo password
  2. If the account already exists, log in and leave it as it is
  3. Otherwise grant the starting bonus and make the purchases
  4. Return the session, like Login does

USAGE VIA API:
  GET  /api/dev/scenarios
  POST /api/dev/scenarios/load
  {"scenario_id": "collector"}

NOTE:
  Only routed when the server runs in dev mode.

SEE ALSO:
  - handlers.go: Session and ledger handlers
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chat997709/nexus/ledger"
	"github.com/chat997709/nexus/session"
)

const demoPassword = "nexus-demo"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Email       string `json:"email"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type scenario struct {
	ScenarioDTO
	bonus     decimal.Decimal
	purchases int // cheapest paid titles to buy
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{ID: "rich-player", Name: "Rich Player", Description: "500 credits and an empty library"},
		bonus:       decimal.NewFromInt(500),
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "broke-player", Name: "Broke Player", Description: "1.50 credits, every paid title is out of reach"},
		bonus:       decimal.RequireFromString("1.50"),
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "collector", Name: "Collector", Description: "Bought the three cheapest paid titles"},
		bonus:       decimal.NewFromInt(200),
		purchases:   3,
	},
}

func init() {
	for i := range scenarios {
		scenarios[i].Email = "demo-" + scenarios[i].ID + "@nexus.local"
	}
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sc, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	s, err := h.loadScenario(r.Context(), sc)
	if err != nil {
		h.internalError(w, "Failed to load scenario", err)
		return
	}
	h.writeSession(w, http.StatusOK, s)
}

// =============================================================================
// LOADER
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, sc scenario) (*session.Session, error) {
	s, err := h.Sessions.Register(ctx, session.Registration{
		Email:       sc.Email,
		Password:    demoPassword,
		DisplayName: sc.Name,
	})
	if errors.Is(err, ledger.ErrAccountExists) {
		return h.Sessions.Login(ctx, sc.Email, demoPassword)
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.Ledger.GrantBonus(sc.bonus, ledger.WithMemo("Demo credits")); err != nil {
		return nil, fmt.Errorf("grant demo credits: %w", err)
	}

	bought := 0
	for _, title := range h.Catalog.ByPrice() {
		if bought == sc.purchases {
			break
		}
		if title.IsFree {
			continue
		}
		res := s.Ledger.Purchase(title)
		if !res.Success {
			return nil, fmt.Errorf("demo purchase of %s: %w", title.ID, res.Err)
		}
		bought++
	}

	h.Logger.Info("scenario loaded",
		zap.String("scenario", sc.ID),
		zap.String("profile_id", string(s.Identity.ProfileID)),
		zap.Int("purchases", bought),
	)
	return s, nil
}
