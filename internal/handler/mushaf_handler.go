package handler

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/tahfidz-api/internal/dto"
	"github.com/noah-isme/tahfidz-api/internal/models"
	"github.com/noah-isme/tahfidz-api/internal/service"
	appErrors "github.com/noah-isme/tahfidz-api/pkg/errors"
	"github.com/noah-isme/tahfidz-api/pkg/response"
)

type ledgerService interface {
	AddMistake(ctx context.Context, studentID string, req dto.AddLedgerMistakeRequest, actor *models.JWTClaims) (*models.MushafMistake, error)
	Resolve(ctx context.Context, studentID, mistakeID string, actor *models.JWTClaims) (*models.MushafMistake, error)
	GetLedger(ctx context.Context, studentID string, filter models.MushafFilter, actor *models.JWTClaims) (*dto.LedgerView, error)
	GetStatistics(ctx context.Context, studentID string, actor *models.JWTClaims) (*dto.MistakeStatistics, error)
}

type ledgerExporter interface {
	Generate(ctx context.Context, studentID string, req dto.ExportLedgerRequest, actor *models.JWTClaims) (*service.ExportResult, error)
	Open(token string) (*os.File, error)
}

// MushafHandler serves the per-student mistake ledger.
type MushafHandler struct {
	ledger   ledgerService
	exporter ledgerExporter
}

// NewMushafHandler constructs the handler.
func NewMushafHandler(ledger ledgerService, exporter ledgerExporter) *MushafHandler {
	return &MushafHandler{ledger: ledger, exporter: exporter}
}

// GetLedger godoc
// @Summary Get a student's personal mushaf
// @Tags Mushaf
// @Produce json
// @Param id path string true "Student ID"
// @Param step query string false "Workflow step filter"
// @Param recency query string false "TODAY, RECENT or HISTORICAL"
// @Param resolved query bool false "Resolved filter"
// @Param sinceDays query int false "Only mistakes marked within N days"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/mushaf [get]
func (h *MushafHandler) GetLedger(c *gin.Context) {
	filter := models.MushafFilter{}
	if step := c.Query("step"); step != "" {
		filter.WorkflowStep = models.WorkflowStep(strings.ToUpper(step))
	}
	if recency := c.Query("recency"); recency != "" {
		filter.Recency = models.RecencyBucket(strings.ToUpper(recency))
	}
	if raw := c.Query("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "resolved must be true or false"))
			return
		}
		filter.Resolved = &resolved
	}
	if days, err := strconv.Atoi(c.Query("sinceDays")); err == nil && days > 0 {
		filter.SinceDays = days
	}

	view, err := h.ledger.GetLedger(c.Request.Context(), c.Param("id"), filter, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// AddMistake godoc
// @Summary Record a mistake directly on the ledger
// @Tags Mushaf
// @Accept json
// @Produce json
// @Param id path string true "Student ID"
// @Param payload body dto.AddLedgerMistakeRequest true "Mistake payload"
// @Success 201 {object} response.Envelope
// @Router /students/{id}/mistakes [post]
func (h *MushafHandler) AddMistake(c *gin.Context) {
	var req dto.AddLedgerMistakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid mistake payload"))
		return
	}
	mistake, err := h.ledger.AddMistake(c.Request.Context(), c.Param("id"), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, mistake)
}

// Resolve godoc
// @Summary Mark a ledger mistake as overcome
// @Tags Mushaf
// @Produce json
// @Param id path string true "Student ID"
// @Param mistakeId path string true "Mistake ID"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/mistakes/{mistakeId}/resolve [post]
func (h *MushafHandler) Resolve(c *gin.Context) {
	mistake, err := h.ledger.Resolve(c.Request.Context(), c.Param("id"), c.Param("mistakeId"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, mistake, nil)
}

// GetStatistics godoc
// @Summary Get mistake statistics for a student
// @Tags Mushaf
// @Produce json
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/statistics [get]
func (h *MushafHandler) GetStatistics(c *gin.Context) {
	stats, err := h.ledger.GetStatistics(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}

// Export godoc
// @Summary Export the ledger as CSV or PDF
// @Tags Mushaf
// @Accept json
// @Produce json
// @Param id path string true "Student ID"
// @Param payload body dto.ExportLedgerRequest true "Export options"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/mushaf/export [post]
func (h *MushafHandler) Export(c *gin.Context) {
	var req dto.ExportLedgerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid export payload"))
		return
	}
	result, err := h.exporter.Generate(c.Request.Context(), c.Param("id"), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.ExportLedgerResponse{
		URL:       result.URL,
		Format:    result.Format,
		ExpiresAt: result.ExpiresAt,
	}, nil)
}

// Download godoc
// @Summary Download a previously exported ledger file
// @Tags Mushaf
// @Produce octet-stream
// @Param token query string true "Signed download token"
// @Success 200 {file} binary
// @Router /downloads [get]
func (h *MushafHandler) Download(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	file, err := h.exporter.Open(token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close()

	name := filepath.Base(file.Name())
	c.Header("Content-Disposition", "attachment; filename="+strconv.Quote(name))
	c.Header("Content-Type", contentTypeFor(name))
	c.Status(http.StatusOK)
	io.Copy(c.Writer, file)
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return "text/csv"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
