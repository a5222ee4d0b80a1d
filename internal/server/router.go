package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	ListenPort int
}

const contextKeyRequestID = "_pixhub_request_id"

// NewApp builds a Fiber application with request id/access log middleware.
// 只有 /-/ 前缀的路径会交给 routes 包注册的处理器，其余统一返回 route_not_found。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		// Query/Params 返回的字符串会进入缓存键与失败记录，需独立于请求缓冲区。
		Immutable: true,
		AppName:   "pixhub",
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	app.All("/*", func(c fiber.Ctx) error {
		if isServicePath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "route_not_found",
		})
	})

	return app, nil
}

// requestContextMiddleware 生成请求 ID 并在请求结束后输出一条访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		fields := logrus.Fields{
			"action":     "http",
			"method":     c.Method(),
			"path":       string(c.Request().URI().Path()),
			"status":     c.Response().StatusCode(),
			"request_id": reqID,
			"elapsed_ms": time.Since(started).Milliseconds(),
		}
		if err != nil {
			fields["error"] = err.Error()
			logger.WithFields(fields).Error("request_failed")
			return err
		}
		logger.WithFields(fields).Debug("request_complete")
		return nil
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isServicePath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
