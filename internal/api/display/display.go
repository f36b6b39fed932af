// Package display serves the unauthenticated read-only view of an organization's
// counter that venues embed on their own pages.
package display

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/headcount/headcount/internal/counter"
	"github.com/headcount/headcount/internal/db/models"
)

// OrganizationLookup resolves an organization id. A nil organization with a nil
// error means it does not exist.
type OrganizationLookup interface {
	GetByID(ctx context.Context, id string) (*models.Organization, error)
}

// StateSource returns the live state of an organization. Peek reads a resident
// organization without touching its idle clock.
type StateSource interface {
	Peek(orgID string) (counter.State, bool)
	GetOrCreate(ctx context.Context, orgID string) (counter.State, error)
}

// Handlers serves the public display route.
type Handlers struct {
	orgs  OrganizationLookup
	state StateSource
}

// NewHandlers creates display handlers.
func NewHandlers(orgs OrganizationLookup, state StateSource) *Handlers {
	return &Handlers{orgs: orgs, state: state}
}

// Response is the public view. Total is present only while the numeric display
// is visible; the line length indicator and the count are never shown together.
type Response struct {
	OrganizationID string             `json:"organization_id"`
	VenueName      string             `json:"venueName"`
	Visible        bool               `json:"visible"`
	Total          *int               `json:"total,omitempty"`
	MaxCapacity    *int               `json:"maxCapacity,omitempty"`
	LineLength     counter.LineLength `json:"lineLength"`
}

// NewResponse renders st for the public surface.
func NewResponse(org *models.Organization, st counter.State) Response {
	resp := Response{
		OrganizationID: org.ID,
		VenueName:      org.VenueName,
		Visible:        st.Visible && !st.LineLength.Shown(),
		LineLength:     st.LineLength,
	}
	if resp.LineLength == "" {
		resp.LineLength = counter.LineLengthNone
	}
	// The count and the capacity are shown together or not at all.
	if resp.Visible {
		total := st.Total()
		resp.Total = &total
		resp.MaxCapacity = st.MaxCapacity
	}
	return resp
}

// DisplayHandler returns the public view of one organization.
// GET /api/public/organizations/:organizationId/display
func (h *Handlers) DisplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := c.Param("organizationId")
		if err := counter.ValidateOrganizationID(orgID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Organization not found",
			})
			return
		}

		org, err := h.orgs.GetByID(c.Request.Context(), orgID)
		if err != nil {
			slog.Error("display: failed to get organization", "organization_id", orgID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to load organization",
			})
			return
		}
		if org == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Organization not found",
			})
			return
		}

		// Public polling must not keep an organization resident on its own.
		st, live := h.state.Peek(orgID)
		if !live {
			st, err = h.state.GetOrCreate(c.Request.Context(), orgID)
		}
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, context.Canceled) {
				status = http.StatusServiceUnavailable
			}
			slog.Error("display: failed to load state", "organization_id", orgID, "error", err)
			c.JSON(status, gin.H{
				"error": "Failed to load counter",
			})
			return
		}

		c.JSON(http.StatusOK, NewResponse(org, st))
	}
}
