/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/config"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/ctd"
	commonerrors "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/errors"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/kubernetes"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/lock"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/performance"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/queue"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/ratelimit"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/redisclient"
	jsonutils "github.com/Rydersel/EDUrange-Cloud-sub000/pkg/utils/json"
	"github.com/Rydersel/EDUrange-Cloud-sub000/pkg/workers"
)

const webTypeTemplate = `{
  "typeId": "web",
  "podTemplate": {
    "metadata": {"name": "{{INSTANCE_NAME}}"},
    "spec": {"containers": [{"name": "webos", "image": "webos:latest"}]},
    "status": {"phase": "Running"}
  }
}`

type apiFixture struct {
	engine   *gin.Engine
	redis    *redisclient.Client
	queues   map[queue.Kind]*queue.Queue
	registry *workers.Registry
	fake     *k8sfake.Clientset
	store    *ctd.Store
}

func newAPIFixture(t *testing.T) *apiFixture {
	return newAPIFixtureWithLimit(t, 50)
}

func newAPIFixtureWithLimit(t *testing.T, points int) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	config.SetValue("redis.url", "redis://"+mr.Addr())
	config.SetValue("lock.retry_count", 3)
	config.SetValue("lock.retry_interval_ms", 20)
	config.SetValue("rate_limit.points", points)
	config.SetValue("rate_limit.duration_second", 60)
	config.SetValue("rate_limit.block_second", 120)
	config.SetValue("challenge.namespace", "default")

	client, err := redisclient.New(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	locks := lock.NewManager(client)
	queues := map[queue.Kind]*queue.Queue{
		queue.KindDeployment:  queue.New(queue.KindDeployment, client, locks),
		queue.KindTermination: queue.New(queue.KindTermination, client, locks),
	}
	registry := workers.NewRegistry(client, locks)
	states := workers.NewStateMachine(client, registry)
	noop := func(ctx context.Context, task *queue.Task) (map[string]interface{}, error) {
		return nil, nil
	}
	pool := workers.NewPool(registry, states, locks, queues, map[queue.Kind]workers.Callback{
		queue.KindDeployment:  noop,
		queue.KindTermination: noop,
	})

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web.ctd.json"), []byte(webTypeTemplate), 0o644))
	store, err := ctd.NewStore(dir)
	require.NoError(t, err)

	fake := k8sfake.NewClientset()
	handler := NewHandler(context.Background(), Components{
		Redis:    client,
		Queues:   queues,
		Registry: registry,
		States:   states,
		Pool:     pool,
		Store:    store,
		Cluster:  kubernetes.NewWithClientset(fake),
		Monitor:  performance.NewMonitor(client),
		Limiter:  ratelimit.NewLimiter(client),
	})
	return &apiFixture{
		engine:   InitHTTPHandlers(handler),
		redis:    client,
		queues:   queues,
		registry: registry,
		fake:     fake,
		store:    store,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(jsonutils.MarshalSilently(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func startBody(name string) map[string]interface{} {
	return map[string]interface{}{
		"user_id":         "user-7",
		"competition_id":  "comp-1",
		"deployment_name": name,
		"cdf_content": map[string]interface{}{
			"metadata": map[string]interface{}{
				"id": "cdf-" + name, "name": "Intro Web", "challenge_type": "web",
			},
			"components": []interface{}{
				map[string]interface{}{"type": "webosApp", "id": "browser"},
			},
		},
	}
}

func TestStartChallengeAccepted(t *testing.T) {
	f := newAPIFixture(t)

	body := startBody("web-abc12")
	body["user_role"] = RoleAdmin
	rec := f.do(t, http.MethodPost, "/api/start-challenge", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rsp := decodeBody(t, rec)
	assert.Equal(t, true, rsp["success"])
	assert.Equal(t, true, rsp["queued"])
	assert.Equal(t, "queued", rsp["status"])
	assert.Equal(t, "high", rsp["priority"])
	taskID, _ := rsp["task_id"].(string)
	require.NotEmpty(t, taskID)
	assert.Equal(t, float64(1), rsp["queue_position"])

	statusRec := f.do(t, http.MethodGet, "/api/task-status/"+taskID, nil)
	require.Equal(t, http.StatusOK, statusRec.Code)
	task := decodeBody(t, statusRec)
	assert.Equal(t, taskID, task["task_id"])
	metadata, ok := task["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "queued", metadata["status"])
	assert.NotEmpty(t, metadata["performance_id"])
}

func TestStartChallengeValidationErrors(t *testing.T) {
	f := newAPIFixture(t)

	missingUser := startBody("web-abc12")
	delete(missingUser, "user_id")
	badName := startBody("Web_1")
	unknownType := startBody("web-abc12")
	unknownType["cdf_content"].(map[string]interface{})["metadata"].(map[string]interface{})["challenge_type"] = "no-such-type"
	invalidCDF := startBody("web-abc12")
	delete(invalidCDF["cdf_content"].(map[string]interface{})["metadata"].(map[string]interface{}), "id")

	cases := []struct {
		name string
		body map[string]interface{}
		code string
	}{
		{"missing user", missingUser, commonerrors.BadRequest},
		{"bad deployment name", badName, commonerrors.BadRequest},
		{"unknown challenge type", unknownType, commonerrors.BadRequest},
		{"invalid definition", invalidCDF, commonerrors.InvalidDefinition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/start-challenge", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, decodeBody(t, rec)["errorCode"])
		})
	}
}

func TestStartChallengeRateLimited(t *testing.T) {
	f := newAPIFixtureWithLimit(t, 2)

	for i, name := range []string{"web-aaa11", "web-bbb22"} {
		rec := f.do(t, http.MethodPost, "/api/start-challenge", startBody(name))
		require.Equal(t, http.StatusAccepted, rec.Code, "request %d: %s", i, rec.Body.String())
	}
	rec := f.do(t, http.MethodPost, "/api/start-challenge", startBody("web-ccc33"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, commonerrors.TooManyRequests, decodeBody(t, rec)["errorCode"])

	// Another user still has budget.
	other := startBody("web-ddd44")
	other["user_id"] = "user-8"
	rec = f.do(t, http.MethodPost, "/api/start-challenge", other)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestEndChallengeAccepted(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/end-challenge", map[string]interface{}{
		"deployment_name": "web-abc12",
		"user_id":         "user-7",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	rsp := decodeBody(t, rec)
	assert.Equal(t, true, rsp["success"])
	assert.Equal(t, "queued", rsp["status"])
	assert.Contains(t, rsp["message"], "web-abc12")

	stats, err := f.queues[queue.KindTermination].GetQueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.PriorityCounts["high"])
}

func TestEndChallengeRejectsBadName(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/end-challenge", map[string]interface{}{
		"deployment_name": "bad name!",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskStatusNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/task-status/task-unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, commonerrors.TaskNotFound, decodeBody(t, rec)["errorCode"])
}

func TestQueueStatusAggregates(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	_, err := f.queues[queue.KindDeployment].Enqueue(ctx, queue.EnqueueRequest{
		Payload: map[string]interface{}{"deployment_name": "web-aaa11"}, Priority: queue.PriorityHigh,
	})
	require.NoError(t, err)
	_, err = f.queues[queue.KindDeployment].Enqueue(ctx, queue.EnqueueRequest{
		Payload: map[string]interface{}{"deployment_name": "web-bbb22"}, Priority: queue.PriorityNormal,
	})
	require.NoError(t, err)
	_, err = f.queues[queue.KindTermination].Enqueue(ctx, queue.EnqueueRequest{
		Payload: map[string]interface{}{"deployment_name": "web-ccc33"}, Priority: queue.PriorityHigh,
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/queue-status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rsp := decodeBody(t, rec)
	assert.Equal(t, float64(3), rsp["queued"])
	assert.Equal(t, float64(0), rsp["processing"])
	assert.Equal(t, false, rsp["worker_active"])
	assert.Equal(t, float64(0), rsp["active_workers"])

	priorities, ok := rsp["priority_counts"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), priorities["high"])
	assert.Equal(t, float64(1), priorities["normal"])

	queues, ok := rsp["queues"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, queues, "deployment")
	assert.Contains(t, queues, "termination")
}

func TestClearQueue(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	for _, name := range []string{"web-aaa11", "web-bbb22"} {
		_, err := f.queues[queue.KindDeployment].Enqueue(ctx, queue.EnqueueRequest{
			Payload: map[string]interface{}{"deployment_name": name}, Priority: queue.PriorityNormal,
		})
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodPost, "/api/queue/clear", map[string]interface{}{"queue": "deployment"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rsp := decodeBody(t, rec)
	assert.Equal(t, []interface{}{"deployment"}, rsp["cleared"])

	stats, err := f.queues[queue.KindDeployment].GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)

	// No body clears both queues.
	rec = f.do(t, http.MethodPost, "/api/queue/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["cleared"], 2)

	rec = f.do(t, http.MethodPost, "/api/queue/clear", map[string]interface{}{"queue": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPodEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "web-abc12",
			Namespace: "default",
			Labels: map[string]string{
				kubernetes.LabelApp:      kubernetes.ChallengeAppValue,
				kubernetes.LabelInstance: "web-abc12",
				kubernetes.LabelUser:     "user-7",
			},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning},
	}
	_, err := f.fake.CoreV1().Pods("default").Create(ctx, pod, metav1.CreateOptions{})
	require.NoError(t, err)
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "flag-secret-web-abc12", Namespace: "default"},
		Data:       map[string][]byte{"flag": []byte("FLAG{api-test}")},
	}
	_, err = f.fake.CoreV1().Secrets("default").Create(ctx, secret, metav1.CreateOptions{})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/list-challenge-pods", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rsp := decodeBody(t, rec)
	assert.Equal(t, float64(1), rsp["count"])

	rec = f.do(t, http.MethodGet, "/api/get-pod-status?pod_name=web-abc12", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.Equal(t, "web-abc12", status["name"])
	assert.Equal(t, "Running", status["phase"])

	rec = f.do(t, http.MethodGet, "/api/get-pod-status?pod_name=no%20pod", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/get-pod-status?pod_name=web-zzz99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/get-secret", map[string]interface{}{
		"secret_name": "flag-secret-web-abc12",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "FLAG{api-test}", decodeBody(t, rec)["secret_value"])
}

func TestCTDEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/schema", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody(t, rec), "$schema")

	rec = f.do(t, http.MethodGet, "/api/challenge-types", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodDelete, "/api/challenge-types/web", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody(t, rec)["success"])

	rec = f.do(t, http.MethodGet, "/api/challenge-types", nil)
	assert.Equal(t, float64(0), decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodDelete, "/api/challenge-types/web", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadCTD(t *testing.T) {
	f := newAPIFixture(t)

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	def, err := zw.Create("pwn.ctd.json")
	require.NoError(t, err)
	_, err = def.Write([]byte(`{
	  "typeId": "pwn",
	  "podTemplate": {"spec": {"containers": [{"name": "app", "image": "pwn:1"}]}}
	}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "pwn.zip")
	require.NoError(t, err)
	_, err = fw.Write(archive.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload-ctd", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rsp := decodeBody(t, rec)
	assert.Equal(t, "pwn", rsp["typeName"])
	assert.Equal(t, false, rsp["isUpdate"])

	listRec := f.do(t, http.MethodGet, "/api/challenge-types", nil)
	assert.Equal(t, float64(2), decodeBody(t, listRec)["count"])

	// Missing multipart field.
	empty := httptest.NewRequest(http.MethodPost, "/api/upload-ctd", strings.NewReader(""))
	emptyRec := httptest.NewRecorder()
	f.engine.ServeHTTP(emptyRec, empty)
	assert.Equal(t, http.StatusBadRequest, emptyRec.Code)
}

func TestWorkerEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	first, err := f.registry.Register(ctx, queue.KindDeployment, "")
	require.NoError(t, err)
	_, err = f.registry.Register(ctx, queue.KindTermination, "")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/workers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rsp := decodeBody(t, rec)
	assert.Equal(t, float64(2), rsp["count"])
	kinds, ok := rsp["kind_counts"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), kinds["deployment"])
	assert.Equal(t, float64(1), kinds["termination"])

	rec = f.do(t, http.MethodGet, "/api/workers/"+first.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody(t, rec)
	worker, ok := detail["worker"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, first.ID, worker["worker_id"])
	assert.NotNil(t, detail["state"])

	rec = f.do(t, http.MethodPost, "/api/workers/"+first.ID+"/pause", map[string]interface{}{
		"reason": "maintenance window",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	state, err := f.registry.GetState(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, workers.CommandPause, state.Command)
	assert.Equal(t, "maintenance window", state.CommandReason)

	rec = f.do(t, http.MethodPost, "/api/workers/"+first.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/workers/worker-none", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/workers/worker-none/stop", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/workers/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["cleaned"])
}

func TestRateLimitStatusEndpoint(t *testing.T) {
	f := newAPIFixtureWithLimit(t, 5)

	rec := f.do(t, http.MethodGet, "/api/rate-limit-status", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/rate-limit-status?user_id=user-7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rsp := decodeBody(t, rec)
	assert.Equal(t, "deploy:user-7", rsp["key"])
	assert.Equal(t, float64(5), rsp["limit"])
	assert.Equal(t, float64(5), rsp["remaining"])
	assert.Equal(t, false, rsp["blocked"])
}

func TestRedisHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/redis-health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rsp := decodeBody(t, rec)
	assert.Equal(t, true, rsp["connected"])
	assert.Equal(t, true, rsp["healthy"])
}

func TestPerformanceEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/start-challenge", startBody("web-abc12"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/performance-metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rsp := decodeBody(t, rec)
	assert.Contains(t, rsp, "phases")
	assert.Contains(t, rsp, "counters")

	rec = f.do(t, http.MethodGet, "/api/recent-deployments?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/recent-deployments?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthzMetricsAndUnknownRoute(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")

	rec = f.do(t, http.MethodGet, "/api/no-such-route", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, commonerrors.NotFound, decodeBody(t, rec)["errorCode"])
}
