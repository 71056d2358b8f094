package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/tahfidz-api/internal/dto"
	"github.com/noah-isme/tahfidz-api/internal/models"
	appErrors "github.com/noah-isme/tahfidz-api/pkg/errors"
	"github.com/noah-isme/tahfidz-api/pkg/response"
)

type ticketService interface {
	Create(ctx context.Context, req dto.CreateTicketRequest, actor *models.JWTClaims) (*models.Ticket, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Ticket, error)
	List(ctx context.Context, query dto.TicketQuery, actor *models.JWTClaims) ([]models.Ticket, error)
	Start(ctx context.Context, id string, req dto.StartTicketRequest, actor *models.JWTClaims) (*models.Ticket, error)
	Heartbeat(ctx context.Context, id string, actor *models.JWTClaims) error
	Pause(ctx context.Context, id string, actor *models.JWTClaims) error
	Resume(ctx context.Context, id string, actor *models.JWTClaims) error
	AddMistake(ctx context.Context, id string, req dto.AddMistakeRequest, actor *models.JWTClaims) (*models.Ticket, error)
	RemoveMistake(ctx context.Context, id string, index int, actor *models.JWTClaims) (*models.Ticket, error)
	UpdateNotes(ctx context.Context, id, notes string, actor *models.JWTClaims) error
	Submit(ctx context.Context, id string, actor *models.JWTClaims) (*models.Ticket, error)
}

type reviewService interface {
	Approve(ctx context.Context, id string, req dto.ReviewTicketRequest, actor *models.JWTClaims) (*models.Ticket, error)
	Reject(ctx context.Context, id string, req dto.ReviewTicketRequest, actor *models.JWTClaims) (*models.Ticket, error)
	Reassign(ctx context.Context, id string, req dto.ReassignTicketRequest, actor *models.JWTClaims) (*models.Ticket, error)
	Close(ctx context.Context, id string, actor *models.JWTClaims) (*models.Ticket, error)
}

// TicketHandler exposes the review-session workflow over REST.
type TicketHandler struct {
	tickets    ticketService
	reviews    reviewService
	staleAfter time.Duration
}

// NewTicketHandler constructs the handler.
func NewTicketHandler(tickets ticketService, reviews reviewService, staleAfter time.Duration) *TicketHandler {
	return &TicketHandler{tickets: tickets, reviews: reviews, staleAfter: staleAfter}
}

// Create godoc
// @Summary Schedule a review session
// @Tags Tickets
// @Accept json
// @Produce json
// @Param payload body dto.CreateTicketRequest true "Ticket payload"
// @Success 201 {object} response.Envelope
// @Router /tickets [post]
func (h *TicketHandler) Create(c *gin.Context) {
	var req dto.CreateTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid ticket payload"))
		return
	}
	ticket, err := h.tickets.Create(c.Request.Context(), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, h.view(*ticket))
}

// List godoc
// @Summary List review sessions
// @Tags Tickets
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param studentId query string false "Student ID"
// @Param step query string false "Workflow step"
// @Success 200 {object} response.Envelope
// @Router /tickets [get]
func (h *TicketHandler) List(c *gin.Context) {
	query := dto.TicketQuery{
		StudentID: strings.TrimSpace(c.Query("studentId")),
		TeacherID: strings.TrimSpace(c.Query("teacherId")),
	}
	if step := c.Query("step"); step != "" {
		query.WorkflowStep = models.WorkflowStep(strings.ToUpper(step))
	}
	if rawStatus := c.Query("status"); rawStatus != "" {
		parts := strings.Split(rawStatus, ",")
		statuses := make([]models.TicketStatus, 0, len(parts))
		for _, part := range parts {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			statuses = append(statuses, models.TicketStatus(part))
		}
		query.Status = statuses
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil {
		query.Limit = limit
	}
	if offset, err := strconv.Atoi(c.Query("offset")); err == nil {
		query.Offset = offset
	}

	tickets, err := h.tickets.List(c.Request.Context(), query, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	views := make([]dto.TicketView, 0, len(tickets))
	for _, t := range tickets {
		views = append(views, h.view(t))
	}
	response.JSON(c, http.StatusOK, views, nil)
}

// Get godoc
// @Summary Get session detail
// @Tags Tickets
// @Produce json
// @Param id path string true "Ticket ID"
// @Success 200 {object} response.Envelope
// @Router /tickets/{id} [get]
func (h *TicketHandler) Get(c *gin.Context) {
	ticket, err := h.tickets.Get(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.view(*ticket), nil)
}

// Start godoc
// @Summary Open the listening session
// @Tags Tickets
// @Accept json
// @Produce json
// @Param id path string true "Ticket ID"
// @Param payload body dto.StartTicketRequest false "Session options"
// @Success 200 {object} response.Envelope
// @Router /tickets/{id}/start [post]
func (h *TicketHandler) Start(c *gin.Context) {
	var req dto.StartTicketRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid start payload"))
			return
		}
	}
	ticket, err := h.tickets.Start(c.Request.Context(), c.Param("id"), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.view(*ticket), nil)
}

// Heartbeat godoc
// @Summary Signal session liveness
// @Tags Tickets
// @Produce json
// @Param id path string true "Ticket ID"
// @Success 204 "No Content"
// @Router /tickets/{id}/heartbeat [post]
func (h *TicketHandler) Heartbeat(c *gin.Context) {
	if err := h.tickets.Heartbeat(c.Request.Context(), c.Param("id"), claimsFromContext(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Pause godoc
// @Summary Pause the listening session
// @Tags Tickets
// @Param id path string true "Ticket ID"
// @Success 204 "No Content"
// @Router /tickets/{id}/pause [post]
func (h *TicketHandler) Pause(c *gin.Context) {
	if err := h.tickets.Pause(c.Request.Context(), c.Param("id"), claimsFromContext(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Resume godoc
// @Summary Resume a paused session
// @Tags Tickets
// @Param id path string true "Ticket ID"
// @Success 204 "No Content"
// @Router /tickets/{id}/resume [post]
func (h *TicketHandler) Resume(c *gin.Context) {
	if err := h.tickets.Resume(c.Request.Context(), c.Param("id"), claimsFromContext(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// AddMistake godoc
// @Summary Mark a mistake during the session
// @Tags Tickets
// @Accept json
// @Produce json
// @Param id path string true "Ticket ID"
// @Param payload body dto.AddMistakeRequest true "Mistake payload"
// @Success 200 {object} response.Envelope
// @Router /tickets/{id}/mistakes [post]
func (h *TicketHandler) AddMistake(c *gin.Context) {
	var req dto.AddMistakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid mistake payload"))
		return
	}
	ticket, err := h.tickets.AddMistake(c.Request.Context(), c.Param("id"), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.view(*ticket), nil)
}

// RemoveMistake godoc
// @Summary Remove a working-set mistake by index
// @Tags Tickets
// @Produce json
// @Param id path string true "Ticket ID"
// @Param index path int true "Mistake index"
// @Success 200 {object} response.Envelope
// @Router /tickets/{id}/mistakes/{index} [delete]
func (h *TicketHandler) RemoveMistake(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "mistake index must be a number"))
		return
	}
	ticket, err := h.tickets.RemoveMistake(c.Request.Context(), c.Param("id"), index, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.view(*ticket), nil)
}

// UpdateNotes godoc
// @Summary Replace session notes
// @Tags Tickets
// @Accept json
// @Param id path string true "Ticket ID"
// @Param payload body dto.SessionNotesRequest true "Notes payload"
// @Success 204 "No Content"
// @Router /tickets/{id}/notes [put]
func (h *TicketHandler) UpdateNotes(c *gin.Context) {
	var req dto.SessionNotesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid notes payload"))
		return
	}
	if err := h.tickets.UpdateNotes(c.Request.Context(), c.Param("id"), req.Notes, claimsFromContext(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Submit godoc
// @Summary Submit the session for approval
// @Tags Tickets
// @Produce json
// @Param id path string true "Ticket ID"
// @Success 200 {object} response.Envelope
// @Router /tickets/{id}/submit [post]
func (h *TicketHandler) Submit(c *gin.Context) {
	ticket, err := h.tickets.Submit(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.view(*ticket), nil)
}

// Approve godoc
// @Summary Approve a submitted session
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Ticket ID"
// @Param payload body dto.ReviewTicketRequest false "Review notes"
// @Success 200 {object} response.Envelope
// @Router /tickets/{id}/approve [post]
func (h *TicketHandler) Approve(c *gin.Context) {
	h.review(c, h.reviews.Approve)
}

// Reject godoc
// @Summary Reject a submitted session
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Ticket ID"
// @Param payload body dto.ReviewTicketRequest false "Review notes"
// @Success 200 {object} response.Envelope
// @Router /tickets/{id}/reject [post]
func (h *TicketHandler) Reject(c *gin.Context) {
	h.review(c, h.reviews.Reject)
}

func (h *TicketHandler) review(c *gin.Context, decide func(context.Context, string, dto.ReviewTicketRequest, *models.JWTClaims) (*models.Ticket, error)) {
	var req dto.ReviewTicketRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid review payload"))
			return
		}
	}
	ticket, err := decide(c.Request.Context(), c.Param("id"), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.view(*ticket), nil)
}

// Reassign godoc
// @Summary Reassign the session to another teacher
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Ticket ID"
// @Param payload body dto.ReassignTicketRequest true "Reassignment payload"
// @Success 200 {object} response.Envelope
// @Router /tickets/{id}/reassign [post]
func (h *TicketHandler) Reassign(c *gin.Context) {
	var req dto.ReassignTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid reassignment payload"))
		return
	}
	ticket, err := h.reviews.Reassign(c.Request.Context(), c.Param("id"), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.view(*ticket), nil)
}

// Close godoc
// @Summary Administratively close a session
// @Tags Review
// @Produce json
// @Param id path string true "Ticket ID"
// @Success 200 {object} response.Envelope
// @Router /tickets/{id}/close [post]
func (h *TicketHandler) Close(c *gin.Context) {
	ticket, err := h.reviews.Close(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.view(*ticket), nil)
}

func (h *TicketHandler) view(t models.Ticket) dto.TicketView {
	return dto.NewTicketView(t, time.Now().UTC(), h.staleAfter)
}
