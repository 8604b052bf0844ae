package handler

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

const maxPageSize = 100

func (h *LicenseHandler) HandleGetLogs(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	logs, total, err := h.audit.GetOperationLogs(c.UserContext(), page, pageSize)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"logs":  logs,
		"total": total,
		"page":  page,
	})
}

// HandleGetUsage lists the most recent checks made against a key.
func (h *LicenseHandler) HandleGetUsage(c *fiber.Ctx) error {
	key := c.Params("key")
	if err := validateKey(key); err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.Query("limit", "20"))

	usages, err := h.audit.GetCheckLogs(c.UserContext(), key, limit)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"usages": usages,
	})
}
