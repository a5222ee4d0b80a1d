package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/pixhub/pixhub/internal/loader"
)

type errorMapping struct {
	status int
	code   string
}

var errorMappings = map[string]errorMapping{
	"invalid_request":   {fiber.StatusBadRequest, "invalid_request"},
	"not_found":         {fiber.StatusNotFound, "image_not_found"},
	"decode_failed":     {fiber.StatusUnprocessableEntity, "decode_failed"},
	"transient_failure": {fiber.StatusBadGateway, "upstream_failed"},
	"io_failure":        {fiber.StatusInternalServerError, "cache_io_failed"},
	"canceled":          {fiber.StatusRequestTimeout, "request_canceled"},
}

// renderError 将加载错误映射为 JSON 错误体与状态码。
func renderError(c fiber.Ctx, err error) error {
	mapping, ok := errorMappings[loader.ErrorKind(err)]
	if !ok {
		mapping = errorMapping{fiber.StatusInternalServerError, "internal_error"}
	}
	return c.Status(mapping.status).JSON(fiber.Map{
		"error": mapping.code,
	})
}
