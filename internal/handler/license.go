package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/qqqwwwyeee-boop/server5/internal/lifecycle"
	"github.com/qqqwwwyeee-boop/server5/internal/middleware"
	"github.com/qqqwwwyeee-boop/server5/internal/model"
	"github.com/qqqwwwyeee-boop/server5/internal/service"
	"github.com/qqqwwwyeee-boop/server5/internal/store"
)

// LicenseHandler serves the check endpoint and the management calls.
type LicenseHandler struct {
	licenses *service.LicenseService
	audit    *service.AuditLog
}

func NewLicenseHandler(licenses *service.LicenseService, audit *service.AuditLog) *LicenseHandler {
	return &LicenseHandler{licenses: licenses, audit: audit}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (h *LicenseHandler) HandleHome(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "online",
		"message": "License activation server",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleCheck validates a key for protected software. The body is optional;
// a malformed or oversized body is treated as an empty fingerprint.
func (h *LicenseHandler) HandleCheck(c *fiber.Ctx) error {
	// Params aliases the request buffer; the key outlives the request in the mirror
	key := utils.CopyString(c.Params("key"))
	if err := validateKey(key); err != nil {
		return err
	}

	var input model.CheckInput
	if len(c.Body()) > 0 {
		if c.BodyParser(&input) != nil || validateStruct(&input) != nil {
			input = model.CheckInput{}
		}
	}
	fp := lifecycle.Fingerprint{DeviceID: input.DeviceID, FilePath: input.FilePath, FileHash: input.FileHash}

	res, err := h.licenses.Check(c.UserContext(), key, fp)

	var blocked *service.BlockedError
	switch {
	case errors.As(err, &blocked):
		h.logCheck(c, key, model.CheckResultBlocked, input.DeviceID)
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"found":      true,
			"status":     "blocked",
			"message":    blocked.Error(),
			"mismatches": blocked.Mismatches,
		})
	case err != nil:
		return err
	case !res.Found:
		h.logCheck(c, key, model.CheckResultNotFound, input.DeviceID)
		return c.JSON(fiber.Map{"found": false})
	}

	rec := res.Key
	h.logCheck(c, rec.Key, string(rec.Status), input.DeviceID)
	return c.JSON(fiber.Map{
		"found":      true,
		"status":     rec.Status,
		"expiry":     rec.Expiry,
		"activated":  rec.ActivatedAt.UTC().Format(time.RFC3339),
		"resume":     formatTime(rec.ResumeAt),
		"months":     rec.Months,
		"registered": rec.Registered(),
		"expired":    res.Expired,
	})
}

func (h *LicenseHandler) logCheck(c *fiber.Ctx, key, result, deviceID string) {
	err := h.audit.LogCheck(c.UserContext(), model.CheckLog{
		LicenseKey: model.NormalizeKey(key),
		Result:     result,
		DeviceID:   deviceID,
		IPAddress:  c.IP(),
		UserAgent:  c.Get(fiber.HeaderUserAgent),
	})
	if err != nil {
		log.Warn().Err(err).Str("key", model.MaskKey(key)).Msg("failed to record check")
	}
}

func (h *LicenseHandler) HandleActivate(c *fiber.Ctx) error {
	var input model.ActivateInput
	if err := parseBody(c, &input); err != nil {
		return err
	}

	rec, err := h.licenses.Activate(c.UserContext(), input.Key, input.Months)
	if err != nil {
		return err
	}
	h.logOperation(c, "activate", rec.Key, fiber.Map{"months": input.Months, "expiry": rec.Expiry.String()})

	return c.JSON(fiber.Map{
		"success": true,
		"key":     rec.Key,
		"expiry":  rec.Expiry,
	})
}

func (h *LicenseHandler) HandleDeactivate(c *fiber.Ctx) error {
	var input model.KeyInput
	if err := parseBody(c, &input); err != nil {
		return err
	}

	rec, err := h.licenses.Deactivate(c.UserContext(), input.Key)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(fiber.Map{"success": false})
	}
	if err != nil {
		return err
	}
	h.logOperation(c, "deactivate", rec.Key, nil)

	return c.JSON(fiber.Map{"success": true})
}

func (h *LicenseHandler) HandleExtend(c *fiber.Ctx) error {
	var input model.ExtendInput
	if err := parseBody(c, &input); err != nil {
		return err
	}

	rec, err := h.licenses.Extend(c.UserContext(), input.Key, input.Months)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(fiber.Map{"success": false})
	}
	if err != nil {
		return err
	}
	h.logOperation(c, "extend", rec.Key, fiber.Map{"months": input.Months, "expiry": rec.Expiry.String()})

	return c.JSON(fiber.Map{
		"success": true,
		"key":     rec.Key,
		"expiry":  rec.Expiry,
	})
}

func (h *LicenseHandler) HandleSuspend(c *fiber.Ctx) error {
	var input model.SuspendInput
	if err := parseBody(c, &input); err != nil {
		return err
	}

	rec, err := h.licenses.Suspend(c.UserContext(), input.Key, input.Hours)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(fiber.Map{"success": false})
	}
	if err != nil {
		return err
	}
	resume := formatTime(rec.ResumeAt)
	h.logOperation(c, "suspend", rec.Key, fiber.Map{"hours": input.Hours, "resume": resume})

	return c.JSON(fiber.Map{
		"success": true,
		"resume":  resume,
	})
}

func (h *LicenseHandler) HandleResume(c *fiber.Ctx) error {
	var input model.KeyInput
	if err := parseBody(c, &input); err != nil {
		return err
	}

	rec, err := h.licenses.Resume(c.UserContext(), input.Key)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(fiber.Map{"success": false})
	}
	if err != nil {
		return err
	}
	h.logOperation(c, "resume", rec.Key, nil)

	return c.JSON(fiber.Map{"success": true})
}

func (h *LicenseHandler) HandleList(c *fiber.Ctx) error {
	recs, err := h.licenses.List(c.UserContext())
	if err != nil {
		return err
	}

	keys := make([]fiber.Map, 0, len(recs))
	for _, rec := range recs {
		keys = append(keys, fiber.Map{
			"key":        rec.Key,
			"status":     rec.Status,
			"expiry":     rec.Expiry,
			"activated":  rec.ActivatedAt.UTC().Format(time.RFC3339),
			"registered": rec.Registered(),
		})
	}

	return c.JSON(fiber.Map{
		"keys":  keys,
		"total": len(keys),
	})
}

func (h *LicenseHandler) HandleStats(c *fiber.Ctx) error {
	stats, err := h.licenses.Stats(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(stats)
}

func (h *LicenseHandler) logOperation(c *fiber.Ctx, action, key string, details interface{}) {
	requestID := c.GetRespHeader(fiber.HeaderXRequestID)
	if err := h.audit.LogOperation(c.UserContext(), requestID, middleware.Actor(c), action, key, details); err != nil {
		log.Warn().Err(err).Str("action", action).Str("key", model.MaskKey(key)).Msg("failed to record operation")
	}
}
