package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"

	"keygate/internal/config"
	"keygate/internal/logger"
	"keygate/internal/middleware"
	"keygate/internal/models"
	"keygate/internal/pipeline"
	"keygate/internal/preferences"
	"keygate/internal/records"
	"keygate/internal/report"
)

// DashboardHandler serves the holder's settings and upload pages.
type DashboardHandler struct {
	prefs    *preferences.Service
	pipeline *pipeline.Pipeline
	cfg      *config.Config
	log      logger.Logger
}

// NewDashboardHandler creates a new dashboard handler.
func NewDashboardHandler(prefs *preferences.Service, p *pipeline.Pipeline, cfg *config.Config, log logger.Logger) *DashboardHandler {
	return &DashboardHandler{prefs: prefs, pipeline: p, cfg: cfg, log: log}
}

func (h *DashboardHandler) page(c fiber.Ctx, status int, prefs *models.Preferences, form preferences.Form, extra fiber.Map) error {
	data := fiber.Map{
		"Title":         "Dashboard",
		"LoggedIn":      true,
		"FieldError":    "",
		"Form":          form,
		"Prefs":         prefs,
		"MaxUploadSize": humanize.Bytes(uint64(h.cfg.MaxUploadSize)),
	}
	for k, v := range extra {
		data[k] = v
	}
	return c.Status(status).Render("dashboard", popFlash(c, MergeBranding(data, h.cfg)))
}

// Index renders the settings form and upload box.
func (h *DashboardHandler) Index(c fiber.Ctx) error {
	prefs, ok := middleware.Holder(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}
	return h.page(c, fiber.StatusOK, prefs, preferences.FromPreferences(prefs), nil)
}

// SaveSettings validates and stores the holder's settings.
func (h *DashboardHandler) SaveSettings(c fiber.Ctx) error {
	prefs, ok := middleware.Holder(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	form := preferences.Form{
		Notify:          c.FormValue("notify") != "",
		Keywords:        c.FormValue("keywords"),
		MinRecordCount:  c.FormValue("min_record_count"),
		OutputName:      c.FormValue("output_name"),
		WebhookTarget:   c.FormValue("webhook_target"),
		MessageTemplate: c.FormValue("message_template"),
	}

	_, err := h.prefs.Save(c.Context(), prefs.HolderID, form)
	if err != nil {
		var fe *preferences.FieldError
		if errors.As(err, &fe) {
			return h.page(c, fiber.StatusUnprocessableEntity, prefs, form, fiber.Map{
				"FlashKind":  FlashError,
				"Flash":      settingsMessage(fe),
				"FieldError": fe.Field,
			})
		}
		if errors.Is(err, preferences.ErrHolderNotFound) {
			return c.Redirect().To("/login")
		}
		return err
	}

	setFlash(c, FlashSuccess, "Settings saved!")
	return c.Redirect().To("/")
}

// Upload runs an uploaded file through the pipeline and renders the outcome.
func (h *DashboardHandler) Upload(c fiber.Ctx) error {
	prefs, ok := middleware.Holder(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return h.uploadError(c, prefs, fiber.StatusBadRequest, "Choose a .txt file to upload.", nil)
	}
	if fh.Size > h.cfg.MaxUploadSize {
		return h.uploadError(c, prefs, fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("File is too large (limit %s).", humanize.Bytes(uint64(h.cfg.MaxUploadSize))), nil)
	}

	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	log := h.log.With(logger.String("holder_id", prefs.HolderID.String()), logger.String("filename", fh.Filename))

	outcome, err := h.pipeline.Run(c.Context(), pipeline.Upload{Filename: fh.Filename, Body: f}, prefs)
	if err != nil {
		var te *records.ThresholdError
		switch {
		case errors.Is(err, pipeline.ErrUnsupportedUpload):
			return h.uploadError(c, prefs, fiber.StatusUnsupportedMediaType, "Only .txt files are accepted.", nil)
		case errors.Is(err, pipeline.ErrFilenameRejected):
			return h.uploadError(c, prefs, fiber.StatusUnprocessableEntity,
				fmt.Sprintf("File '%s' does not match your keywords: %s", fh.Filename, strings.Join(prefs.Keywords, ", ")), nil)
		case errors.As(err, &te):
			log.Info("Upload below threshold", logger.Int("count", te.Count), logger.Int("min", te.Min))
			return h.uploadError(c, prefs, fiber.StatusUnprocessableEntity,
				fmt.Sprintf("File has only %s records (minimum required: %s)", humanize.Comma(int64(te.Count)), humanize.Comma(int64(te.Min))),
				report.TopDomains(te.Domains, report.TopN))
		case errors.Is(err, report.ErrTemplate):
			return h.uploadError(c, prefs, fiber.StatusUnprocessableEntity, "Your message template is invalid: "+err.Error(), nil)
		default:
			log.Error("Upload processing failed", logger.Error(err))
			return fiber.NewError(fiber.StatusInternalServerError, "Error processing file")
		}
	}

	log.Info("Upload processed", logger.Int("count", outcome.Count), logger.Bool("delivered", outcome.Delivery.OK()))

	data := fiber.Map{
		"Title":       "Result",
		"LoggedIn":    true,
		"Outcome":     outcome,
		"CountText":   humanize.Comma(int64(outcome.Count)),
	}
	if outcome.Display {
		data["DownloadURL"] = template.URL("data:text/plain;base64," + base64.StdEncoding.EncodeToString(outcome.Artifact))
	}
	if d := outcome.Delivery; d != nil {
		data["Delivered"] = d.OK()
		data["DeliveryTarget"] = d.Target
		if d.Err != nil {
			data["DeliveryError"] = d.Err.Error()
		}
	}
	return c.Render("result", MergeBranding(data, h.cfg))
}

func (h *DashboardHandler) uploadError(c fiber.Ctx, prefs *models.Preferences, status int, msg string, domains []records.DomainCount) error {
	return h.page(c, status, prefs, preferences.FromPreferences(prefs), fiber.Map{
		"FlashKind": FlashError,
		"Flash":     msg,
		"Domains":   domains,
	})
}

func settingsMessage(fe *preferences.FieldError) string {
	switch fe.Field {
	case "keywords":
		return "Keywords: " + fe.Message
	case "min_record_count":
		return "Minimum record count must be at least 1."
	case "output_name":
		return "Output filename must be a plain file name."
	case "webhook_target":
		return "Webhook URL is invalid: " + fe.Message
	case "message_template":
		return "Message template is invalid: " + fe.Message
	default:
		return fe.Error()
	}
}
