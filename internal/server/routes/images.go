package routes

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"image/png"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/pixhub/pixhub/internal/cache"
	"github.com/pixhub/pixhub/internal/loader"
	"github.com/pixhub/pixhub/internal/logging"
	"github.com/pixhub/pixhub/internal/server"
)

const (
	jpegQuality = 90
	// maxDimension 限制请求的目标宽高，超出直接视为非法请求。
	maxDimension = 16384
)

// prefetchTimeout 限制后台预取的总时长，避免请求方已经离开后无限占用 flight。
var prefetchTimeout = 2 * time.Minute

type prefetchPayload struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// RegisterImageRoutes 暴露图片加载、预取、失效与统计接口。
func RegisterImageRoutes(app *fiber.App, l *loader.Loader, logger *logrus.Logger) {
	if app == nil || l == nil {
		return
	}
	if logger == nil {
		logger = logging.Discard()
	}
	h := &imageHandler{loader: l, logger: logging.Component(logger, "http")}

	app.Get("/-/image", h.getImage)
	app.Post("/-/prefetch", h.prefetch)
	app.Delete("/-/cache", h.invalidate)
	app.Get("/-/stats", h.stats)
}

type imageHandler struct {
	loader *loader.Loader
	logger *logrus.Entry
}

func (h *imageHandler) getImage(c fiber.Ctx) error {
	req, err := h.parseRequest(c)
	if err != nil {
		return renderError(c, err)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := h.loader.LoadWithPolicy(ctx, req)
	if err != nil {
		h.logger.WithFields(logging.ImageFields(req.URL, "", "", false)).WithFields(logrus.Fields{
			"action":     "image",
			"kind":       loader.ErrorKind(err),
			"request_id": server.RequestID(c),
		}).Warn(err.Error())
		return renderError(c, err)
	}

	body, contentType, err := encodeImage(result.Image)
	if err != nil {
		return renderError(c, err)
	}

	c.Set("Content-Type", contentType)
	c.Set("X-Pixhub-Source", string(result.Source))
	c.Set("X-Pixhub-Size", strconv.Itoa(result.Image.Width)+"x"+strconv.Itoa(result.Image.Height))
	return c.Status(fiber.StatusOK).Send(body)
}

// prefetch 同步校验参数，加载在后台进行，失败只记录日志与失败表。
func (h *imageHandler) prefetch(c fiber.Ctx) error {
	var payload prefetchPayload
	if err := c.Bind().JSON(&payload); err != nil {
		return renderError(c, errors.Join(loader.ErrInvalidRequest, err))
	}
	if strings.TrimSpace(payload.URL) == "" || !validDimension(payload.Width) || !validDimension(payload.Height) {
		return renderError(c, loader.ErrInvalidRequest)
	}

	requestID := server.RequestID(c)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), prefetchTimeout)
		defer cancel()
		if err := h.loader.CacheImage(ctx, payload.URL, payload.Width, payload.Height); err != nil {
			h.logger.WithFields(logging.ImageFields(payload.URL, "", "", false)).WithFields(logrus.Fields{
				"action":     "prefetch",
				"kind":       loader.ErrorKind(err),
				"request_id": requestID,
			}).Warn(err.Error())
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "accepted",
		"url":    payload.URL,
	})
}

func (h *imageHandler) invalidate(c fiber.Ctx) error {
	req, err := h.parseRequest(c)
	if err != nil {
		return renderError(c, err)
	}
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := h.loader.Coordinator().Invalidate(ctx, req); err != nil {
		return renderError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *imageHandler) stats(c fiber.Ctx) error {
	coordinator := h.loader.Coordinator()
	return c.JSON(fiber.Map{
		"stats":    coordinator.Stats(),
		"failures": coordinator.Failures(),
	})
}

func (h *imageHandler) parseRequest(c fiber.Ctx) (loader.Request, error) {
	req := loader.Request{
		URL:    strings.TrimSpace(c.Query("url")),
		Policy: h.loader.DefaultPolicy(),
	}
	if req.URL == "" {
		return req, errors.Join(loader.ErrInvalidRequest, errors.New("url is required"))
	}

	var err error
	if req.Width, err = parseDimension(c.Query("width")); err != nil {
		return req, err
	}
	if req.Height, err = parseDimension(c.Query("height")); err != nil {
		return req, err
	}
	if raw := c.Query("policy"); raw != "" {
		policy, err := cache.ParseScalePolicy(raw)
		if err != nil {
			return req, errors.Join(loader.ErrInvalidRequest, err)
		}
		req.Policy = policy
	}
	return req, nil
}

func parseDimension(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || !validDimension(value) {
		return 0, errors.Join(loader.ErrInvalidRequest, errors.New("invalid dimension "+strconv.Quote(raw)))
	}
	return value, nil
}

func validDimension(value int) bool {
	return value >= 0 && value <= maxDimension
}

// encodeImage 对 jpeg 源输出 jpeg，其余格式统一输出 png。
func encodeImage(img *cache.Image) ([]byte, string, error) {
	var buf bytes.Buffer
	if img.Format == "jpeg" {
		if err := jpeg.Encode(&buf, img.Pixels, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/jpeg", nil
	}
	if err := png.Encode(&buf, img.Pixels); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/png", nil
}
