package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/tryonhub/internal/ai/mock"
	"github.com/kiranshivaraju/tryonhub/internal/api"
	"github.com/kiranshivaraju/tryonhub/internal/api/handler"
	mw "github.com/kiranshivaraju/tryonhub/internal/api/middleware"
	"github.com/kiranshivaraju/tryonhub/internal/cache"
	"github.com/kiranshivaraju/tryonhub/internal/cache/cachetest"
	"github.com/kiranshivaraju/tryonhub/internal/jobs"
	"github.com/kiranshivaraju/tryonhub/internal/notify"
	"github.com/kiranshivaraju/tryonhub/internal/queue/queuetest"
	"github.com/kiranshivaraju/tryonhub/internal/ratelimit"
	"github.com/kiranshivaraju/tryonhub/internal/store/storetest"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

const (
	userKey  = "thk_user_contract_key_0001"
	otherKey = "thk_othr_contract_key_0001"
	adminKey = "thk_admn_contract_key_0001"

	hourlyLimit = 2
	dailyLimit  = 10
)

type recordingUploader struct {
	mu    sync.Mutex
	paths []string
}

func (u *recordingUploader) Upload(_ context.Context, path string, _ []byte, _ string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paths = append(u.paths, path)
	return "https://cdn.test/" + path, nil
}

type testServer struct {
	server   *httptest.Server
	store    *storetest.MemStore
	cache    *cachetest.MemCache
	queue    *queuetest.MemQueue
	uploader *recordingUploader
	hub      *notify.Hub
	user     *models.User
	other    *models.User
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedUser(t *testing.T, st *storetest.MemStore, name, rawKey string, scopes ...string) *models.User {
	t.Helper()
	ctx := context.Background()
	user := &models.User{Username: name}
	require.NoError(t, st.CreateUser(ctx, user))
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, st.CreateAPIKey(ctx, &models.APIKey{
		ID:        uuid.New(),
		UserID:    user.ID,
		Name:      name + "-key",
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:8],
		Scopes:    scopes,
		CreatedAt: time.Now(),
	}))
	return user
}

// newTestServer wires the real handlers and admission service over
// in-memory backends. policy is "window" (ip scoped) or "quota".
func newTestServer(t *testing.T, policy string) *testServer {
	t.Helper()
	ts := &testServer{
		store:    storetest.New(),
		cache:    cachetest.New(),
		queue:    queuetest.New(),
		uploader: &recordingUploader{},
		hub:      notify.NewHub(quietLogger()),
	}
	ts.user = seedUser(t, ts.store, "alice", userKey, "user")
	ts.other = seedUser(t, ts.store, "mallory", otherKey, "user")
	seedUser(t, ts.store, "ops", adminKey, "user", "admin")

	windows := ratelimit.NewWindowLimiter(ts.cache, "ip", hourlyLimit, dailyLimit)
	quotas := ratelimit.NewQuotaLimiter(ts.store)
	var limiter ratelimit.Limiter = windows
	if policy == "quota" {
		limiter = quotas
	}

	svc := jobs.NewService(ts.store, limiter, ts.queue, ts.cache, ts.uploader,
		jobs.WithNotifier(ts.hub), jobs.WithLogger(quietLogger()))
	jobsH := handler.NewJobs(svc, mw.NewPrincipal(policy, "ip"))
	scenes := handler.NewScenes(svc)
	admin := handler.NewAdmin(ts.store, windows, quotas)
	versions := handler.NewVersions(ts.store)

	router := api.NewRouter(api.Dependencies{
		Auth:        mw.NewAuth(ts.store),
		PushHandler: handler.NewPushHandler(ts.hub),
		AppVersion:  versions.Check,

		SubmitTryon: jobsH.SubmitTryon,
		SubmitPose:  jobsH.SubmitPose,
		GetJob:      jobsH.GetJob,

		ListSceneTemplates:  scenes.List,
		CreateSceneTemplate: scenes.Create,
		GetSceneTemplate:    scenes.Get,

		WindowStatus: admin.WindowStatus,
		WindowReset:  admin.WindowReset,
		QuotaStatus:  admin.QuotaStatus,
		QuotaSet:     admin.QuotaSet,
		QuotaReset:   admin.QuotaReset,
		CreateUser:   admin.CreateUser,
		CreateKey:    admin.CreateKey,

		PublishAppVersion: versions.Publish,
	})
	ts.server = httptest.NewServer(router)
	t.Cleanup(ts.server.Close)
	return ts
}

type result struct {
	status int
	header http.Header
	body   map[string]any
}

func (r result) data() map[string]any {
	return r.body["data"].(map[string]any)
}

func (r result) errObj() map[string]any {
	return r.body["error"].(map[string]any)
}

func (ts *testServer) do(t *testing.T, req *http.Request) result {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return result{status: resp.StatusCode, header: resp.Header, body: body}
}

func (ts *testServer) request(method, path, key string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, ts.server.URL+path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (ts *testServer) tryonFrom(t *testing.T, ip string) result {
	t.Helper()
	req := ts.request("POST", "/api/v1/tryon", userKey, map[string]string{
		"person_image_url":  "https://img.test/person.png",
		"garment_image_url": "https://img.test/garment.png",
	})
	req.Header.Set("X-Forwarded-For", ip)
	return ts.do(t, req)
}

// ─── POST /api/v1/tryon ──────────────────────────────────────────────────────

func TestTryon_202_WithURLs(t *testing.T) {
	ts := newTestServer(t, "window")

	res := ts.tryonFrom(t, "203.0.113.1")

	require.Equal(t, http.StatusAccepted, res.status)
	data := res.data()
	assert.NotZero(t, data["job_id"])
	assert.NotEmpty(t, data["task_token"])
	assert.Equal(t, "processing", data["status"])
	assert.Equal(t, "tryon", data["kind"])
	assert.Equal(t, float64(60), data["estimated_completion_seconds"])
	hourly := data["rate_limit"].(map[string]any)["hourly"].(map[string]any)
	assert.Equal(t, float64(1), hourly["used"])

	assert.Equal(t, "2", res.header.Get("X-RateLimit-Limit-Hourly"))
	assert.Equal(t, "1", res.header.Get("X-RateLimit-Remaining-Hourly"))
	assert.Equal(t, "10", res.header.Get("X-RateLimit-Limit-Daily"))
	assert.Equal(t, "9", res.header.Get("X-RateLimit-Remaining-Daily"))

	jobID := int64(data["job_id"].(float64))
	assert.Equal(t, []int64{jobID}, ts.queue.Ready())
	stored := ts.store.Jobs()
	require.Len(t, stored, 1)
	assert.Equal(t, models.JobStatusPending, stored[0].Status)
	assert.Equal(t, ts.user.ID, stored[0].UserID)
}

func TestTryon_202_Multipart(t *testing.T) {
	ts := newTestServer(t, "window")

	var buf bytes.Buffer
	mp := multipart.NewWriter(&buf)
	for _, field := range []string{"person_image", "garment_image"} {
		fw, err := mp.CreateFormFile(field, field+".png")
		require.NoError(t, err)
		_, err = fw.Write(mock.PNG(4, 4))
		require.NoError(t, err)
	}
	require.NoError(t, mp.WriteField("device_id", "device-1"))
	require.NoError(t, mp.Close())

	req, _ := http.NewRequest("POST", ts.server.URL+"/api/v1/tryon", &buf)
	req.Header.Set("Authorization", "Bearer "+userKey)
	req.Header.Set("Content-Type", mp.FormDataContentType())
	res := ts.do(t, req)

	require.Equal(t, http.StatusAccepted, res.status)
	require.Len(t, ts.uploader.paths, 2)
	assert.True(t, strings.HasPrefix(ts.uploader.paths[0], "tryon/person_images/"))
	assert.True(t, strings.HasPrefix(ts.uploader.paths[1], "tryon/garment_images/"))

	job := ts.store.Jobs()[0]
	assert.Equal(t, "https://cdn.test/"+ts.uploader.paths[0], job.SourceURLs[0])
	require.NotNil(t, job.DeviceID)
	assert.Equal(t, "device-1", *job.DeviceID)
}

func TestTryon_400_MissingGarment(t *testing.T) {
	ts := newTestServer(t, "window")

	req := ts.request("POST", "/api/v1/tryon", userKey, map[string]string{
		"person_image_url": "https://img.test/person.png",
	})
	res := ts.do(t, req)

	assert.Equal(t, http.StatusBadRequest, res.status)
	assert.Equal(t, "INVALID_REQUEST", res.errObj()["code"])
	assert.Equal(t, "garment_image", res.errObj()["details"].(map[string]any)["field"])
	assert.Empty(t, ts.store.Jobs())
}

func TestTryon_400_NonHTTPURL(t *testing.T) {
	ts := newTestServer(t, "window")

	res := ts.do(t, ts.request("POST", "/api/v1/tryon", userKey, map[string]string{
		"person_image_url":  "file:///etc/passwd",
		"garment_image_url": "https://img.test/garment.png",
	}))

	assert.Equal(t, http.StatusBadRequest, res.status)
	assert.Equal(t, "person_image_url", res.errObj()["details"].(map[string]any)["field"])
}

func TestTryon_400_InvalidJSON(t *testing.T) {
	ts := newTestServer(t, "window")

	req, _ := http.NewRequest("POST", ts.server.URL+"/api/v1/tryon", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+userKey)
	res := ts.do(t, req)

	assert.Equal(t, http.StatusBadRequest, res.status)
	assert.Equal(t, "INVALID_REQUEST", res.errObj()["code"])
}

func TestTryon_ValidationDoesNotConsumeAllowance(t *testing.T) {
	ts := newTestServer(t, "window")

	for i := 0; i < 3; i++ {
		req := ts.request("POST", "/api/v1/tryon", userKey, map[string]string{})
		req.Header.Set("X-Forwarded-For", "203.0.113.9")
		assert.Equal(t, http.StatusBadRequest, ts.do(t, req).status)
	}
	assert.Equal(t, http.StatusAccepted, ts.tryonFrom(t, "203.0.113.9").status)
}

func TestTryon_429_HourlyWindowExhausted(t *testing.T) {
	ts := newTestServer(t, "window")

	for i := 0; i < hourlyLimit; i++ {
		require.Equal(t, http.StatusAccepted, ts.tryonFrom(t, "203.0.113.2").status)
	}
	res := ts.tryonFrom(t, "203.0.113.2")

	assert.Equal(t, http.StatusTooManyRequests, res.status)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", res.errObj()["code"])
	details := res.errObj()["details"].(map[string]any)
	assert.Equal(t, []any{"hourly"}, details["exceeded"])
	assert.Equal(t, "0", res.header.Get("X-RateLimit-Remaining-Hourly"))
	assert.Len(t, ts.store.Jobs(), hourlyLimit)

	// Another client IP has its own windows.
	assert.Equal(t, http.StatusAccepted, ts.tryonFrom(t, "203.0.113.3").status)
}

func TestTryon_Quota_403_NotConfigured(t *testing.T) {
	ts := newTestServer(t, "quota")

	res := ts.tryonFrom(t, "203.0.113.4")

	assert.Equal(t, http.StatusForbidden, res.status)
	assert.Equal(t, "RATE_LIMIT_NOT_CONFIGURED", res.errObj()["code"])
	assert.Empty(t, ts.store.Jobs())
}

func TestTryon_Quota_AdminGrantThenExhaust(t *testing.T) {
	ts := newTestServer(t, "quota")

	grant := ts.do(t, ts.request("PUT", fmt.Sprintf("/api/v1/admin/quotas/%d", ts.user.ID), adminKey,
		map[string]int{"quota": 1}))
	require.Equal(t, http.StatusOK, grant.status)
	assert.Equal(t, float64(1), grant.data()["quota"])

	first := ts.tryonFrom(t, "203.0.113.5")
	require.Equal(t, http.StatusAccepted, first.status)
	assert.Equal(t, "1", first.header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", first.header.Get("X-RateLimit-Remaining"))

	second := ts.tryonFrom(t, "203.0.113.6")
	assert.Equal(t, http.StatusTooManyRequests, second.status)
	assert.Equal(t, []any{"quota"}, second.errObj()["details"].(map[string]any)["exceeded"])
}

// ─── GET /api/v1/jobs/{jobID} ────────────────────────────────────────────────

func TestGetJob_200(t *testing.T) {
	ts := newTestServer(t, "window")
	sub := ts.tryonFrom(t, "198.51.100.1").data()
	jobID := int64(sub["job_id"].(float64))

	res := ts.do(t, ts.request("GET", fmt.Sprintf("/api/v1/jobs/%d?task_token=%s", jobID, sub["task_token"]), userKey, nil))

	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, float64(jobID), res.data()["id"])
	assert.Equal(t, models.JobStatusPending, res.data()["status"])
	assert.Equal(t, "tryon", res.data()["kind"])
}

func TestGetJob_404_OtherUser(t *testing.T) {
	ts := newTestServer(t, "window")
	jobID := int64(ts.tryonFrom(t, "198.51.100.2").data()["job_id"].(float64))

	res := ts.do(t, ts.request("GET", fmt.Sprintf("/api/v1/jobs/%d", jobID), otherKey, nil))

	assert.Equal(t, http.StatusNotFound, res.status)
	assert.Equal(t, "NOT_FOUND", res.errObj()["code"])
}

func TestGetJob_404_WrongTaskToken(t *testing.T) {
	ts := newTestServer(t, "window")
	jobID := int64(ts.tryonFrom(t, "198.51.100.3").data()["job_id"].(float64))

	res := ts.do(t, ts.request("GET", fmt.Sprintf("/api/v1/jobs/%d?task_token=nope", jobID), userKey, nil))

	assert.Equal(t, http.StatusNotFound, res.status)
}

func TestGetJob_400_BadID(t *testing.T) {
	ts := newTestServer(t, "window")

	res := ts.do(t, ts.request("GET", "/api/v1/jobs/abc", userKey, nil))

	assert.Equal(t, http.StatusBadRequest, res.status)
}

func TestGetJob_ReconcilesFailedTask(t *testing.T) {
	ts := newTestServer(t, "window")
	ctx := context.Background()
	sub := ts.tryonFrom(t, "198.51.100.4").data()
	jobID := int64(sub["job_id"].(float64))
	token := sub["task_token"].(string)

	require.NoError(t, ts.store.UpdateJobStatus(ctx, jobID, models.JobStatusProcessing))
	require.NoError(t, ts.cache.SetTaskState(ctx, token, cache.TaskStateFailure, time.Hour))

	res := ts.do(t, ts.request("GET", fmt.Sprintf("/api/v1/jobs/%d", jobID), userKey, nil))

	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, models.JobStatusFailed, res.data()["status"])
	assert.Equal(t, jobs.ReconciledErrorMessage, res.data()["error_message"])
	_, hasOutput := res.data()["output_url"]
	assert.False(t, hasOutput)
}

// ─── Scene templates and POST /api/v1/poses ─────────────────────────────────

func (ts *testServer) createTemplate(t *testing.T, key, name string) int64 {
	t.Helper()
	res := ts.do(t, ts.request("POST", "/api/v1/scene-templates", key, map[string]string{
		"name":   name,
		"prompt": "sunset over a quiet beach",
	}))
	require.Equal(t, http.StatusCreated, res.status)
	return int64(res.data()["id"].(float64))
}

func TestSceneTemplates_CreateListGet(t *testing.T) {
	ts := newTestServer(t, "window")
	id := ts.createTemplate(t, userKey, "Beach")
	ts.createTemplate(t, otherKey, "Not mine")

	list := ts.do(t, ts.request("GET", "/api/v1/scene-templates", userKey, nil))
	require.Equal(t, http.StatusOK, list.status)
	assert.Len(t, list.body["data"], 1)
	assert.Equal(t, float64(1), list.body["meta"].(map[string]any)["total"])

	got := ts.do(t, ts.request("GET", fmt.Sprintf("/api/v1/scene-templates/%d", id), userKey, nil))
	require.Equal(t, http.StatusOK, got.status)
	assert.Equal(t, "Beach", got.data()["name"])

	hidden := ts.do(t, ts.request("GET", fmt.Sprintf("/api/v1/scene-templates/%d", id), otherKey, nil))
	assert.Equal(t, http.StatusNotFound, hidden.status)
}

func TestSceneTemplates_400_MissingPrompt(t *testing.T) {
	ts := newTestServer(t, "window")

	res := ts.do(t, ts.request("POST", "/api/v1/scene-templates", userKey, map[string]string{"name": "x"}))

	assert.Equal(t, http.StatusBadRequest, res.status)
	assert.Equal(t, "prompt", res.errObj()["details"].(map[string]any)["field"])
}

func TestPose_202_FromCompletedTryon(t *testing.T) {
	ts := newTestServer(t, "window")
	output := "https://cdn.test/tryon/2026/05/04/generated_1_abcd1234.png"
	token := "tok-source"
	source := &models.Job{
		UserID:     ts.user.ID,
		Kind:       models.JobKindTryon,
		Status:     models.JobStatusCompleted,
		SourceURLs: []string{"https://img.test/a.png", "https://img.test/b.png"},
		OutputURL:  &output,
		TaskToken:  &token,
		Attempts:   1,
	}
	ts.store.PutJob(source)
	tmplID := ts.createTemplate(t, userKey, "Beach")

	req := ts.request("POST", "/api/v1/poses", userKey, map[string]int64{
		"tryon_job_id":      source.ID,
		"scene_template_id": tmplID,
	})
	req.Header.Set("X-Forwarded-For", "192.0.2.50")
	res := ts.do(t, req)

	require.Equal(t, http.StatusAccepted, res.status)
	assert.Equal(t, "pose", res.data()["kind"])
	assert.Equal(t, float64(45), res.data()["estimated_completion_seconds"])

	all := ts.store.Jobs()
	pose := all[len(all)-1]
	assert.Equal(t, []string{output}, pose.SourceURLs)
	assert.Equal(t, "sunset over a quiet beach", pose.Prompt)
}

func TestPose_400_TryonNotCompleted(t *testing.T) {
	ts := newTestServer(t, "window")
	jobID := int64(ts.tryonFrom(t, "192.0.2.51").data()["job_id"].(float64))
	tmplID := ts.createTemplate(t, userKey, "Beach")

	res := ts.do(t, ts.request("POST", "/api/v1/poses", userKey, map[string]int64{
		"tryon_job_id":      jobID,
		"scene_template_id": tmplID,
	}))

	assert.Equal(t, http.StatusBadRequest, res.status)
	assert.Equal(t, "tryon_job_id", res.errObj()["details"].(map[string]any)["field"])
}

func TestPose_404_UnknownTemplate(t *testing.T) {
	ts := newTestServer(t, "window")

	res := ts.do(t, ts.request("POST", "/api/v1/poses", userKey, map[string]int64{
		"tryon_job_id":      1,
		"scene_template_id": 999,
	}))

	assert.Equal(t, http.StatusNotFound, res.status)
}

// ─── Admin ───────────────────────────────────────────────────────────────────

func TestAdmin_403_WithoutAdminScope(t *testing.T) {
	ts := newTestServer(t, "window")

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/admin/ratelimit/10.0.0.1"},
		{"DELETE", "/api/v1/admin/ratelimit/10.0.0.1"},
		{"GET", "/api/v1/admin/quotas/1"},
		{"PUT", "/api/v1/admin/quotas/1"},
		{"DELETE", "/api/v1/admin/quotas/1"},
		{"POST", "/api/v1/admin/users"},
		{"POST", "/api/v1/admin/keys"},
	}
	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			res := ts.do(t, ts.request(ep.method, ep.path, userKey, map[string]any{}))
			assert.Equal(t, http.StatusForbidden, res.status)
			assert.Equal(t, "FORBIDDEN", res.errObj()["code"])
		})
	}
}

func TestAdmin_WindowStatusAndReset(t *testing.T) {
	ts := newTestServer(t, "window")
	require.Equal(t, http.StatusAccepted, ts.tryonFrom(t, "192.0.2.60").status)

	status := ts.do(t, ts.request("GET", "/api/v1/admin/ratelimit/192.0.2.60", adminKey, nil))
	require.Equal(t, http.StatusOK, status.status)
	assert.Equal(t, "window", status.data()["policy"])
	hourly := status.data()["usage"].(map[string]any)["hourly"].(map[string]any)
	assert.Equal(t, float64(1), hourly["used"])
	assert.NotEmpty(t, hourly["reset_at"])

	reset := ts.do(t, ts.request("DELETE", "/api/v1/admin/ratelimit/192.0.2.60", adminKey, nil))
	require.Equal(t, http.StatusOK, reset.status)

	after := ts.do(t, ts.request("GET", "/api/v1/admin/ratelimit/192.0.2.60", adminKey, nil))
	hourly = after.data()["usage"].(map[string]any)["hourly"].(map[string]any)
	assert.Equal(t, float64(0), hourly["used"])
}

func TestAdmin_QuotaLifecycle(t *testing.T) {
	ts := newTestServer(t, "quota")
	path := fmt.Sprintf("/api/v1/admin/quotas/%d", ts.user.ID)

	missing := ts.do(t, ts.request("GET", path, adminKey, nil))
	assert.Equal(t, http.StatusForbidden, missing.status)
	assert.Equal(t, "RATE_LIMIT_NOT_CONFIGURED", missing.errObj()["code"])

	require.Equal(t, http.StatusOK, ts.do(t, ts.request("PUT", path, adminKey, map[string]int{"quota": 3})).status)
	require.Equal(t, http.StatusAccepted, ts.tryonFrom(t, "192.0.2.70").status)

	status := ts.do(t, ts.request("GET", path, adminKey, nil))
	require.Equal(t, http.StatusOK, status.status)
	quota := status.data()["usage"].(map[string]any)["quota"].(map[string]any)
	assert.Equal(t, float64(1), quota["used"])
	assert.Equal(t, float64(2), quota["remaining"])

	require.Equal(t, http.StatusOK, ts.do(t, ts.request("DELETE", path, adminKey, nil)).status)
	acct, err := ts.store.GetRateLimitAccount(context.Background(), ts.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, acct.UsedCount)
	assert.Equal(t, 3, acct.Quota)
}

func TestAdmin_QuotaSetValidation(t *testing.T) {
	ts := newTestServer(t, "quota")

	negative := ts.do(t, ts.request("PUT", fmt.Sprintf("/api/v1/admin/quotas/%d", ts.user.ID), adminKey,
		map[string]int{"quota": -1}))
	assert.Equal(t, http.StatusBadRequest, negative.status)

	absent := ts.do(t, ts.request("PUT", fmt.Sprintf("/api/v1/admin/quotas/%d", ts.user.ID), adminKey,
		map[string]any{}))
	assert.Equal(t, http.StatusBadRequest, absent.status)

	noUser := ts.do(t, ts.request("PUT", "/api/v1/admin/quotas/9999", adminKey, map[string]int{"quota": 1}))
	assert.Equal(t, http.StatusNotFound, noUser.status)
}

func TestAdmin_CreateUserAndKey(t *testing.T) {
	ts := newTestServer(t, "window")

	created := ts.do(t, ts.request("POST", "/api/v1/admin/users", adminKey, map[string]string{"username": "bob"}))
	require.Equal(t, http.StatusCreated, created.status)
	userID := created.data()["id"].(float64)

	dup := ts.do(t, ts.request("POST", "/api/v1/admin/users", adminKey, map[string]string{"username": "bob"}))
	assert.Equal(t, http.StatusConflict, dup.status)
	assert.Equal(t, "CONFLICT", dup.errObj()["code"])

	key := ts.do(t, ts.request("POST", "/api/v1/admin/keys", adminKey, map[string]any{
		"user_id": userID,
		"name":    "bob-phone",
	}))
	require.Equal(t, http.StatusCreated, key.status)
	rawKey := key.data()["key"].(string)
	assert.True(t, strings.HasPrefix(rawKey, "thk_"))
	assert.Equal(t, rawKey[:8], key.data()["key_prefix"])
	assert.Equal(t, []any{"user"}, key.data()["scopes"])

	// The new key authenticates as bob.
	list := ts.do(t, ts.request("GET", "/api/v1/scene-templates", rawKey, nil))
	assert.Equal(t, http.StatusOK, list.status)
}

func TestAdmin_CreateKey_404_UnknownUser(t *testing.T) {
	ts := newTestServer(t, "window")

	res := ts.do(t, ts.request("POST", "/api/v1/admin/keys", adminKey, map[string]any{
		"user_id": 9999,
		"name":    "ghost",
	}))

	assert.Equal(t, http.StatusNotFound, res.status)
}

// ─── App versions ───────────────────────────────────────────────────────────

func TestVersion_DefaultBeforeAnyPublish(t *testing.T) {
	ts := newTestServer(t, "window")

	res := ts.do(t, ts.request("GET", "/api/v1/version", "", nil))

	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "1.0.0", res.data()["current_version"])
	assert.Equal(t, "1.0.0", res.data()["minimum_required_version"])
	assert.Equal(t, true, res.data()["is_valid"])
	assert.Equal(t, false, res.data()["is_blocked"])
	assert.Equal(t, "Current app version: 1.0.0", res.data()["message"])
}

func TestVersion_PublishThenCheck(t *testing.T) {
	ts := newTestServer(t, "window")

	pub := ts.do(t, ts.request("POST", "/api/v1/admin/app-versions", adminKey, map[string]any{
		"version_number":           "1.2.0",
		"minimum_required_version": "1.1.0",
		"update_url":               "https://play.test/app",
		"release_notes":            "Bug fixes",
		"update_message":           "",
	}))
	require.Equal(t, http.StatusCreated, pub.status)
	assert.Equal(t, "1.2.0", pub.data()["version_number"])
	assert.Equal(t, true, pub.data()["is_active"])

	blocked := ts.do(t, ts.request("GET", "/api/v1/version?app_version=1.0.9", "", nil))
	require.Equal(t, http.StatusOK, blocked.status)
	assert.Equal(t, "1.2.0", blocked.data()["current_version"])
	assert.Equal(t, false, blocked.data()["is_valid"])
	assert.Equal(t, true, blocked.data()["is_blocked"])
	assert.Equal(t, true, blocked.data()["requires_update"])
	assert.Equal(t, false, blocked.data()["force_update"])
	assert.Equal(t, "https://play.test/app", blocked.data()["update_url"])
	assert.Equal(t, "Bug fixes", blocked.data()["release_notes"])
	assert.Equal(t, "App version 1.0.9 is no longer supported. Please update to version 1.1.0 or higher.",
		blocked.data()["message"])

	ok := ts.do(t, ts.request("GET", "/api/v1/version?app_version=1.1", "", nil))
	assert.Equal(t, true, ok.data()["is_valid"])
	assert.Equal(t, false, ok.data()["is_blocked"])

	bad := ts.do(t, ts.request("GET", "/api/v1/version?app_version=beta", "", nil))
	assert.Equal(t, true, bad.data()["is_blocked"])
	assert.Equal(t, "Invalid app version format. Please update the app.", bad.data()["message"])
}

func TestVersion_ForcedUpdateUsesNewestRelease(t *testing.T) {
	ts := newTestServer(t, "window")
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, body := range []map[string]any{
		{"version_number": "2.0.0", "minimum_required_version": "1.0.0", "force_update": true},
		{"version_number": "1.5.0", "minimum_required_version": "1.0.0", "release_date": older},
		{"version_number": "3.0.0", "minimum_required_version": "1.0.0", "is_active": false},
	} {
		res := ts.do(t, ts.request("POST", "/api/v1/admin/app-versions", adminKey, body))
		require.Equal(t, http.StatusCreated, res.status)
	}

	res := ts.do(t, ts.request("GET", "/api/v1/version?app_version=1.9.9", "", nil))
	assert.Equal(t, "2.0.0", res.data()["current_version"])
	assert.Equal(t, true, res.data()["force_update"])
	assert.Equal(t, true, res.data()["is_blocked"])
	assert.Equal(t, "A new version of the app is available. Please update to continue using the app.",
		res.data()["message"])
}

func TestVersion_PublishValidation(t *testing.T) {
	ts := newTestServer(t, "window")

	for _, body := range []map[string]any{
		{"version_number": "", "minimum_required_version": "1.0.0"},
		{"version_number": "1.0.0", "minimum_required_version": "1.1.0"},
		{"version_number": "v1", "minimum_required_version": "1.0.0"},
		{"version_number": "1.0.0", "minimum_required_version": "1.0.0", "update_url": "ftp://x"},
	} {
		res := ts.do(t, ts.request("POST", "/api/v1/admin/app-versions", adminKey, body))
		assert.Equal(t, http.StatusBadRequest, res.status, "%v", body)
		assert.Equal(t, "INVALID_REQUEST", res.errObj()["code"])
	}

	first := ts.do(t, ts.request("POST", "/api/v1/admin/app-versions", adminKey,
		map[string]any{"version_number": "1.0.0", "minimum_required_version": "1.0.0"}))
	require.Equal(t, http.StatusCreated, first.status)
	dup := ts.do(t, ts.request("POST", "/api/v1/admin/app-versions", adminKey,
		map[string]any{"version_number": "1.0.0", "minimum_required_version": "1.0.0"}))
	assert.Equal(t, http.StatusConflict, dup.status)

	forbidden := ts.do(t, ts.request("POST", "/api/v1/admin/app-versions", userKey,
		map[string]any{"version_number": "9.0.0", "minimum_required_version": "1.0.0"}))
	assert.Equal(t, http.StatusForbidden, forbidden.status)
}

// ─── GET /ws/users/{userID} ─────────────────────────────────────────────────

func wsURL(ts *testServer, userID int64, key string) string {
	return fmt.Sprintf("ws%s/ws/users/%d?token=%s", strings.TrimPrefix(ts.server.URL, "http"), userID, key)
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestPush_ConnectReceiveAndPing(t *testing.T) {
	ts := newTestServer(t, "window")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, ts.user.ID, userKey), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	hello := readJSON(t, conn)
	assert.Equal(t, "connection", hello["type"])
	assert.Equal(t, "connected", hello["status"])
	assert.Equal(t, float64(ts.user.ID), hello["user_id"])

	out := "https://cdn.test/out.png"
	token := "tok-1"
	ts.hub.Notify(context.Background(), ts.user.ID, notify.JobEvent(&models.Job{
		ID:        12,
		Kind:      models.JobKindTryon,
		Status:    models.JobStatusCompleted,
		OutputURL: &out,
		TaskToken: &token,
	}, time.Unix(1700000000, 0)))

	ev := readJSON(t, conn)
	assert.Equal(t, "task_status", ev["type"])
	assert.Equal(t, float64(1700000000), ev["timestamp"])
	data := ev["data"].(map[string]any)
	assert.Equal(t, "completed", data["status"])
	assert.Equal(t, out, data["generated_asset_url"])
	assert.Equal(t, true, data["final"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readJSON(t, conn)["type"])
}

func TestPush_ReconciledJobIsPushed(t *testing.T) {
	ts := newTestServer(t, "window")
	ctx := context.Background()
	sub := ts.tryonFrom(t, "198.51.100.9").data()
	jobID := int64(sub["job_id"].(float64))
	token := sub["task_token"].(string)
	require.NoError(t, ts.store.UpdateJobStatus(ctx, jobID, models.JobStatusProcessing))
	require.NoError(t, ts.cache.SetTaskState(ctx, token, cache.TaskStateFailure, time.Hour))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, ts.user.ID, userKey), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "connection", readJSON(t, conn)["type"])

	res := ts.do(t, ts.request("GET", fmt.Sprintf("/api/v1/jobs/%d", jobID), userKey, nil))
	require.Equal(t, http.StatusOK, res.status)

	ev := readJSON(t, conn)
	assert.Equal(t, "task_status", ev["type"])
	data := ev["data"].(map[string]any)
	assert.Equal(t, float64(jobID), data["job_id"])
	assert.Equal(t, token, data["task_id"])
	assert.Equal(t, "failed", data["status"])
	assert.Equal(t, jobs.ReconciledErrorMessage, data["error_message"])
	assert.Equal(t, true, data["final"])
}

func TestPush_403_OtherUsersChannel(t *testing.T) {
	ts := newTestServer(t, "window")

	res := ts.do(t, ts.request("GET", fmt.Sprintf("/ws/users/%d", ts.user.ID), otherKey, nil))

	assert.Equal(t, http.StatusForbidden, res.status)
	assert.Equal(t, 0, ts.hub.ClientCount(ts.user.ID))
}

func TestPush_401_WithoutToken(t *testing.T) {
	ts := newTestServer(t, "window")

	_, resp, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("ws%s/ws/users/%d", strings.TrimPrefix(ts.server.URL, "http"), ts.user.ID), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// ─── Response format contract ───────────────────────────────────────────────

func TestResponseFormat_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, "window")

	req, _ := http.NewRequest("POST", ts.server.URL+"/api/v1/tryon", nil)
	res := ts.do(t, req)

	assert.Equal(t, "application/json", res.header.Get("Content-Type"))
	assert.Contains(t, res.body, "error")
	assert.NotEmpty(t, res.errObj()["code"])
	assert.NotEmpty(t, res.errObj()["message"])
}
