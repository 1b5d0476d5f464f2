package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropit/internal/server/auth"
	"dropit/internal/server/config"
	"dropit/internal/server/database"
	"dropit/internal/server/lifecycle"
	"dropit/internal/server/service"
	"dropit/internal/server/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		BaseURL: "http://drop.test",
		Thresholds: []lifecycle.Threshold{
			{MaxSize: 1 << 20, Duration: 24 * time.Hour},
		},
		Limits: lifecycle.Limits{
			OriginSize:      4096,
			OriginFileCount: 10,
			GlobalSize:      1 << 30,
		},
		OriginMode:     config.OriginIP,
		RateLimitRPS:   100,
		RateLimitBurst: 100,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	svc, err := service.NewDropService(
		database.NewMemoryRepository(),
		storage.NewFileSystemStore(t.TempDir(), false),
		cfg,
		nil,
	)
	require.NoError(t, err)
	return SetupRouter(NewHandler(svc, nil), auth.New(cfg), cfg)
}

func multipartBody(t *testing.T, filename, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func do(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func upload(t *testing.T, e *echo.Echo, content string, fields map[string]string) service.UploadResult {
	t.Helper()
	body, contentType := multipartBody(t, "hello.txt", content, fields)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := do(e, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res service.UploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func TestUploadAndDownload(t *testing.T) {
	e := newTestServer(t, testConfig())
	res := upload(t, e, "hello world", map[string]string{"downloads": "2"})

	assert.Equal(t, "hello.txt", res.Filename)
	assert.Equal(t, int64(11), res.Size)
	require.NotNil(t, res.DownloadsRemaining)
	assert.Equal(t, 2, *res.DownloadsRemaining)

	for _, want := range []string{"served_and_live", "served_and_reclaimed"} {
		rec := do(e, httptest.NewRequest(http.MethodGet, "/"+res.ShortAlias, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "hello world", rec.Body.String())
		assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "hello.txt")
		assert.Equal(t, want, rec.Result().Trailer.Get(StatusTrailer))
	}

	rec := do(e, httptest.NewRequest(http.MethodGet, "/"+res.LongAlias, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadValidation(t *testing.T) {
	e := newTestServer(t, testConfig())

	t.Run("missing file", func(t *testing.T) {
		body, contentType := multipartBody(t, "", "", nil)
		req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
		req.Header.Set(echo.HeaderContentType, contentType)
		assert.Equal(t, http.StatusBadRequest, do(e, req).Code)
	})

	t.Run("bad downloads value", func(t *testing.T) {
		body, contentType := multipartBody(t, "a.txt", "x", map[string]string{"downloads": "-1"})
		req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
		req.Header.Set(echo.HeaderContentType, contentType)
		assert.Equal(t, http.StatusBadRequest, do(e, req).Code)
	})

	t.Run("origin quota", func(t *testing.T) {
		upload(t, e, strings.Repeat("a", 3000), nil)

		body, contentType := multipartBody(t, "b.txt", strings.Repeat("b", 2000), nil)
		req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
		req.Header.Set(echo.HeaderContentType, contentType)
		rec := do(e, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Contains(t, rec.Body.String(), "origin_quota_exceeded")
	})
}

func TestInfo(t *testing.T) {
	e := newTestServer(t, testConfig())
	res := upload(t, e, "data", nil)

	rec := do(e, httptest.NewRequest(http.MethodGet, "/api/info/"+res.LongAlias, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info service.UploadInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "hello.txt", info.Filename)
	assert.Equal(t, int64(4), info.Size)
	assert.Nil(t, info.DownloadsRemaining)

	rec = do(e, httptest.NewRequest(http.MethodGet, "/api/info/nothing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	e := newTestServer(t, testConfig())
	res := upload(t, e, "secret", nil)

	admin := func(method, path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set(AdminTokenHeader, token)
		return do(e, req)
	}

	t.Run("wrong token", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, admin(http.MethodDelete, "/"+res.ShortAlias, "adm_nope").Code)
		assert.Equal(t, http.StatusForbidden, admin(http.MethodDelete, "/unknown", res.AdminToken).Code)
	})

	t.Run("set downloads", func(t *testing.T) {
		rec := admin(http.MethodPatch, "/"+res.ShortAlias+"/downloads/5", res.AdminToken)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"downloads_remaining":5}`, rec.Body.String())

		rec = admin(http.MethodPatch, "/"+res.ShortAlias+"/downloads/abc", res.AdminToken)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rotate alias", func(t *testing.T) {
		rec := admin(http.MethodPatch, "/"+res.LongAlias+"/alias/short", res.AdminToken)
		require.Equal(t, http.StatusOK, rec.Code)

		var change service.AliasChange
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &change))
		assert.Equal(t, "short", change.Kind)
		assert.Equal(t, "http://drop.test/"+change.Alias, change.URL)

		assert.Equal(t, http.StatusNotFound, do(e, httptest.NewRequest(http.MethodGet, "/api/info/"+res.ShortAlias, nil)).Code)
		res.ShortAlias = change.Alias

		rec = admin(http.MethodPatch, "/"+res.LongAlias+"/alias/medium", res.AdminToken)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("revoke", func(t *testing.T) {
		require.Equal(t, http.StatusOK, admin(http.MethodDelete, "/"+res.ShortAlias, res.AdminToken).Code)
		assert.Equal(t, http.StatusNotFound, do(e, httptest.NewRequest(http.MethodGet, "/"+res.LongAlias, nil)).Code)
	})
}

func TestAuthProtectedUpload(t *testing.T) {
	cfg := testConfig()
	cfg.AuthUpload = true
	cfg.Credentials = []config.Credential{{Username: "alice", Secret: "wonderland"}}
	e := newTestServer(t, cfg)

	body, contentType := multipartBody(t, "a.txt", "x", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := do(e, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderWWWAuthenticate))

	body, contentType = multipartBody(t, "a.txt", "x", nil)
	req = httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	req.SetBasicAuth("alice", "wonderland")
	rec = do(e, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	// downloads stay public
	var res service.UploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, http.StatusOK, do(e, httptest.NewRequest(http.MethodGet, "/"+res.ShortAlias, nil)).Code)
}

func TestHealthStatsMetrics(t *testing.T) {
	e := newTestServer(t, testConfig())
	upload(t, e, "12345", nil)

	rec := do(e, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	rec = do(e, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats["active_uploads"])
	assert.EqualValues(t, 5, stats["storage_used_bytes"])

	rec = do(e, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
