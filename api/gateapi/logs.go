package gateapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/cmdgate/cmdgate/internal/admin"
	"github.com/cmdgate/cmdgate/internal/audit"
	"github.com/cmdgate/cmdgate/storage/model"
)

func parseLogFilter(c *fiber.Ctx) (audit.Filter, error) {
	var f audit.Filter
	var err error
	if f.Status, err = model.ParseStatusFilter(c.Query("status_filter")); err != nil {
		return f, err
	}
	if f.Role, err = model.ParseRoleFilter(c.Query("role_filter")); err != nil {
		return f, err
	}
	if f.Sort, err = model.ParseSortOrder(c.Query("sort_order")); err != nil {
		return f, err
	}
	f.TargetCredential = c.Query("target_api_key")
	f.Limit = c.QueryInt("limit", 0)
	f.Offset = c.QueryInt("offset", 0)
	return f, nil
}

func registerLogs(r fiber.Router, auth guard, auditService *audit.Service, adminService *admin.Service) {
	g := r.Group("/logs", auth...)

	g.Get(
		"/", func(c *fiber.Ctx) error {
			f, err := parseLogFilter(c)
			if err != nil {
				return writeError(c, err)
			}
			entries, err := auditService.Query(c.UserContext(), caller(c), f)
			if err != nil {
				return writeError(c, err)
			}
			return c.JSON(entries)
		},
	)

	g.Get(
		"/verify", func(c *fiber.Ctx) error {
			report, err := adminService.VerifyLog(c.UserContext(), caller(c))
			if err != nil {
				return writeError(c, err)
			}
			return c.JSON(report)
		},
	)
}
