package routes

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixhub/pixhub/internal/cache"
	"github.com/pixhub/pixhub/internal/config"
	"github.com/pixhub/pixhub/internal/decode"
	"github.com/pixhub/pixhub/internal/fetch"
	"github.com/pixhub/pixhub/internal/loader"
	"github.com/pixhub/pixhub/internal/logging"
	"github.com/pixhub/pixhub/internal/server"
)

func TestGetImageServesScaledPNG(t *testing.T) {
	env := newRouteEnv(t)

	resp := env.do(t, http.MethodGet, "/-/image?url="+url.QueryEscape(env.upstream.URL+"/cat.png")+"&width=50&height=50", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "network", resp.Header.Get("X-Pixhub-Source"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 50, img.Bounds().Dx())
	assert.Equal(t, 25, img.Bounds().Dy())

	again := env.do(t, http.MethodGet, "/-/image?url="+url.QueryEscape(env.upstream.URL+"/cat.png")+"&width=50&height=50", nil)
	require.Equal(t, fiber.StatusOK, again.StatusCode)
	assert.Equal(t, "memory", again.Header.Get("X-Pixhub-Source"))
	assert.EqualValues(t, 1, env.hits.Load())
}

func TestGetImageKeepsJPEGFormat(t *testing.T) {
	env := newRouteEnv(t)

	resp := env.do(t, http.MethodGet, "/-/image?policy=original&url="+url.QueryEscape(env.upstream.URL+"/dog.jpg"), nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "30x30", resp.Header.Get("X-Pixhub-Size"))
}

func TestGetImageErrors(t *testing.T) {
	env := newRouteEnv(t)
	testCases := []struct {
		name   string
		query  string
		status int
		code   string
	}{
		{"missing url", "", fiber.StatusBadRequest, "invalid_request"},
		{"bad width", "url=x&width=abc", fiber.StatusBadRequest, "invalid_request"},
		{"negative height", "url=x&height=-3", fiber.StatusBadRequest, "invalid_request"},
		{"bad policy", "url=x&policy=stretch", fiber.StatusBadRequest, "invalid_request"},
		{"huge width", "url=x&width=1000000&policy=fit-upsample", fiber.StatusBadRequest, "invalid_request"},
		{"huge height", "url=x&height=16385", fiber.StatusBadRequest, "invalid_request"},
		{"missing upstream", "url=" + url.QueryEscape(env.upstream.URL+"/missing.png"), fiber.StatusNotFound, "image_not_found"},
		{"garbage upstream", "url=" + url.QueryEscape(env.upstream.URL+"/garbage.png"), fiber.StatusUnprocessableEntity, "decode_failed"},
		{"broken upstream", "url=" + url.QueryEscape(env.upstream.URL+"/broken.png"), fiber.StatusBadGateway, "upstream_failed"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, "/-/image?"+tc.query, nil)
			require.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.code, decodeError(t, resp))
		})
	}
}

func TestMemoryHitAfterOtherRequests(t *testing.T) {
	env := newRouteEnv(t)
	catQuery := "/-/image?width=10&height=10&url=" + url.QueryEscape(env.upstream.URL+"/cat.png")
	otherURL := env.upstream.URL + "/zzzzzzzzzzzzzzzzzzzzzzzz.png"

	require.Equal(t, fiber.StatusOK, env.do(t, http.MethodGet, catQuery, nil).StatusCode)
	for i := 0; i < 5; i++ {
		resp := env.do(t, http.MethodGet, "/-/image?url="+url.QueryEscape(otherURL), nil)
		require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	}

	resp := env.do(t, http.MethodGet, catQuery, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "memory", resp.Header.Get("X-Pixhub-Source"))
	assert.EqualValues(t, 1, env.hits.Load())

	failures := env.loader.Coordinator().Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, otherURL, failures[0].URL)
	assert.Equal(t, 5, failures[0].Consecutive)
}

func TestPrefetchWarmsCache(t *testing.T) {
	env := newRouteEnv(t)

	body := `{"url":"` + env.upstream.URL + `/cat.png","width":20,"height":20}`
	resp := env.do(t, http.MethodPost, "/-/prefetch", strings.NewReader(body))
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return env.loader.Coordinator().Stats().Memory.Entries == 1
	}, 2*time.Second, 10*time.Millisecond)

	get := env.do(t, http.MethodGet, "/-/image?width=20&height=20&url="+url.QueryEscape(env.upstream.URL+"/cat.png"), nil)
	require.Equal(t, fiber.StatusOK, get.StatusCode)
	assert.Equal(t, "memory", get.Header.Get("X-Pixhub-Source"))
	assert.EqualValues(t, 1, env.hits.Load())
}

func TestPrefetchRejectsInvalidPayload(t *testing.T) {
	env := newRouteEnv(t)

	for _, body := range []string{`{"url":""}`, `{"url":"http://x","width":-1}`, `{"url":"http://x","height":99999}`, `not json`} {
		resp := env.do(t, http.MethodPost, "/-/prefetch", strings.NewReader(body))
		require.Equal(t, fiber.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, "invalid_request", decodeError(t, resp))
	}
}

func TestInvalidateAndStats(t *testing.T) {
	env := newRouteEnv(t)
	query := "url=" + url.QueryEscape(env.upstream.URL+"/cat.png") + "&width=10&height=10"

	require.Equal(t, fiber.StatusOK, env.do(t, http.MethodGet, "/-/image?"+query, nil).StatusCode)
	require.Equal(t, fiber.StatusNoContent, env.do(t, http.MethodDelete, "/-/cache?"+query, nil).StatusCode)

	resp := env.do(t, http.MethodGet, "/-/image?"+query, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "network", resp.Header.Get("X-Pixhub-Source"))
	assert.EqualValues(t, 2, env.hits.Load())

	env.do(t, http.MethodGet, "/-/image?url="+url.QueryEscape(env.upstream.URL+"/missing.png"), nil)

	statsResp := env.do(t, http.MethodGet, "/-/stats", nil)
	require.Equal(t, fiber.StatusOK, statsResp.StatusCode)
	var payload struct {
		Stats    loader.Stats     `json:"stats"`
		Failures []loader.Failure `json:"failures"`
	}
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&payload))
	assert.EqualValues(t, 3, payload.Stats.NetworkFetches)
	assert.EqualValues(t, 1, payload.Stats.NotFound)
	require.Len(t, payload.Failures, 1)
	assert.Equal(t, "not_found", payload.Failures[0].Kind)
}

type routeEnv struct {
	app      *fiber.App
	loader   *loader.Loader
	upstream *httptest.Server
	hits     atomic.Int64
}

func newRouteEnv(t *testing.T) *routeEnv {
	t.Helper()
	env := &routeEnv{}

	pngBody := encodeTestImage(t, "png", 100, 50)
	jpegBody := encodeTestImage(t, "jpeg", 30, 30)
	env.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cat.png":
			env.hits.Add(1)
			w.Write(pngBody)
		case "/dog.jpg":
			w.Write(jpegBody)
		case "/garbage.png":
			w.Write([]byte("<html>not an image</html>"))
		case "/broken.png":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(env.upstream.Close)

	logger := logging.Discard()
	disk, err := cache.NewDiskStore(t.TempDir(), 0)
	require.NoError(t, err)
	memory, err := cache.NewMemoryStore(0, 32)
	require.NoError(t, err)
	coordinator, err := loader.NewCoordinator(loader.Options{
		Memory:  memory,
		Disk:    disk,
		Fetcher: fetch.NewHTTPFetcher(env.upstream.Client(), logger, fetch.Options{}),
		Decoder: decode.NewStdDecoder(0),
		Logger:  logger,
	})
	require.NoError(t, err)
	env.loader = loader.NewLoader(coordinator, config.LoaderConfig{}, logger)

	env.app, err = server.NewApp(server.AppOptions{Logger: logger, ListenPort: 5000})
	require.NoError(t, err)
	RegisterImageRoutes(env.app, env.loader, logger)
	return env
}

func (env *routeEnv) do(t *testing.T, method, target string, body io.Reader) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, "http://pixhub.local"+target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := env.app.Test(req)
	require.NoError(t, err)
	return resp
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload.Error
}

func encodeTestImage(t *testing.T, format string, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if format == "jpeg" {
		require.NoError(t, jpeg.Encode(&buf, img, nil))
	} else {
		require.NoError(t, png.Encode(&buf, img))
	}
	return buf.Bytes()
}
