package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterPassesServicePaths(t *testing.T) {
	app := newTestApp(t, 5000)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		if RequestID(c) == "" {
			t.Errorf("request id missing from locals")
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	resp, err := app.Test(httptest.NewRequest("GET", "http://pixhub.local/-/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterReturns404ForUnknownPath(t *testing.T) {
	app := newTestApp(t, 5000)

	resp, err := app.Test(httptest.NewRequest("GET", "http://pixhub.local/v2/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"route_not_found"`)) {
		t.Fatalf("expected route_not_found error, got %s", string(body))
	}
}

func TestRouterRecoversFromPanics(t *testing.T) {
	app := newTestApp(t, 5000)
	app.Get("/-/panic", func(c fiber.Ctx) error {
		panic("boom")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "http://pixhub.local/-/panic", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 status, got %d", resp.StatusCode)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	if _, err := NewApp(AppOptions{ListenPort: 5000}); err == nil {
		t.Fatalf("expected error without logger")
	}
	if _, err := NewApp(AppOptions{Logger: logrus.New()}); err == nil {
		t.Fatalf("expected error without listen port")
	}
}

func newTestApp(t *testing.T, port int) *fiber.App {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app, err := NewApp(AppOptions{
		Logger:     logger,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app
}
