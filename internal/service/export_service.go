package service

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/tahfidz-api/internal/dto"
	"github.com/noah-isme/tahfidz-api/internal/models"
	appErrors "github.com/noah-isme/tahfidz-api/pkg/errors"
	"github.com/noah-isme/tahfidz-api/pkg/export"
	"github.com/noah-isme/tahfidz-api/pkg/storage"
)

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportConfig tunes export link behaviour.
type ExportConfig struct {
	APIPrefix string
}

// ExportResult captures a generated ledger export.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       string
	ExpiresAt    time.Time
}

// ExportService renders a student's personal mushaf into downloadable CSV or
// PDF files behind signed URLs.
type ExportService struct {
	ledger  *MushafService
	storage fileStorage
	csv     csvRenderer
	pdf     pdfRenderer
	signer  *storage.SignedURLSigner
	logger  *zap.Logger
	cfg     ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(ledger *MushafService, store fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		ledger:  ledger,
		storage: store,
		csv:     csv,
		pdf:     pdf,
		signer:  signer,
		logger:  logger,
		cfg:     cfg,
	}
}

// Generate renders the student's full ledger and returns a signed download
// link.
func (s *ExportService) Generate(ctx context.Context, studentID string, req dto.ExportLedgerRequest, actor *models.JWTClaims) (*ExportResult, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	view, err := s.ledger.GetLedger(ctx, studentID, models.MushafFilter{}, actor)
	if err != nil {
		return nil, err
	}
	dataset := buildLedgerDataset(view.Mistakes)
	title := fmt.Sprintf("Personal Mushaf - %s", studentID)

	var payload []byte
	switch req.Format {
	case "csv":
		payload, err = s.csv.Render(dataset)
	case "pdf":
		payload, err = s.pdf.Render(dataset, title)
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	exportID := uuid.NewString()
	filename := fmt.Sprintf("%s/%s.%s", studentID, exportID, req.Format)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store export")
	}

	token, expiresAt, err := s.signer.Generate(exportID, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download link")
	}

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          fmt.Sprintf("%s/downloads?token=%s", s.cfg.APIPrefix, token),
		Format:       req.Format,
		ExpiresAt:    expiresAt,
	}, nil
}

// Open validates a signed token and returns the export file handle.
func (s *ExportService) Open(token string) (*os.File, error) {
	_, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download link")
	}
	file, err := s.storage.Open(relPath)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export no longer available")
	}
	return file, nil
}

func buildLedgerDataset(mistakes []models.MushafMistake) export.Dataset {
	headers := []string{"Type", "Category", "Step", "Page", "Surah", "Ayah", "Repeats", "First Marked", "Last Marked", "Resolved"}
	rows := make([]map[string]string, 0, len(mistakes))
	for _, m := range mistakes {
		rows = append(rows, map[string]string{
			"Type":         m.Type,
			"Category":     m.Category,
			"Step":         string(m.WorkflowStep),
			"Page":         strconv.Itoa(m.Page),
			"Surah":        strconv.Itoa(m.Surah),
			"Ayah":         strconv.Itoa(m.Ayah),
			"Repeats":      strconv.Itoa(m.RepeatCount),
			"First Marked": m.FirstMarkedAt.UTC().Format(time.RFC3339),
			"Last Marked":  m.LastMarkedAt.UTC().Format(time.RFC3339),
			"Resolved":     strconv.FormatBool(m.Resolved),
		})
	}
	return export.Dataset{Headers: headers, Rows: rows}
}
