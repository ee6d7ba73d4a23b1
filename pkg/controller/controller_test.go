package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helvethink/tag-deployer/pkg/config"
	"github.com/helvethink/tag-deployer/pkg/deployer"
	"github.com/helvethink/tag-deployer/pkg/schemas"
	"github.com/helvethink/tag-deployer/pkg/webhook"
)

const testSecret = "It's a Secret to Everybody"

type recordingMailer struct {
	mutex sync.Mutex
	sent  []schemas.Notification
	err   error
}

func (m *recordingMailer) Send(_ context.Context, subject, body string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.sent = append(m.sent, schemas.Notification{Subject: subject, Body: body})

	return m.err
}

func (m *recordingMailer) Sent() []schemas.Notification {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return append([]schemas.Notification(nil), m.sent...)
}

func testConfig() config.Config {
	cfg := config.New()
	cfg.Github.WebhookSecret = testSecret
	cfg.Github.Repositories = []config.Repository{{FullName: "org/app"}}
	cfg.Deploy.ScriptPath = "/opt/deploy/deploy.sh"
	cfg.Deploy.DevDir = "/srv/dev"
	cfg.Deploy.ScriptsDir = "/srv/scripts"

	return cfg
}

func newTestController(t *testing.T, cfg config.Config, runner deployer.Runner) (*Controller, *recordingMailer) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &recordingMailer{}

	c, err := New(ctx, cfg, "test", WithRunner(runner), WithMailer(m))
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		_ = c.TaskController.Queue.Close()
	})

	return c, m
}

func pushBody(repo, ref string, deleted bool) []byte {
	return []byte(fmt.Sprintf(`{"ref":%q,"deleted":%t,"repository":{"full_name":%q}}`, ref, deleted, repo))
}

func webhookRequest(event string, body []byte, signature *string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/deploy", bytes.NewReader(body))
	req.Header.Set(schemas.HeaderEvent, event)
	req.Header.Set(schemas.HeaderDelivery, "72d3162e-cc78-11e3-81ab-4c9367dc0958")

	if signature != nil {
		req.Header.Set(schemas.HeaderSignature, *signature)
	}

	return req
}

func signed(body []byte) *string {
	s := webhook.SignatureHeader(testSecret, body)
	return &s
}

func serve(c *Controller, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c.DeployHandler(w, req)

	return w
}

func TestDeployHandlerTriggersDeployAndNotifies(t *testing.T) {
	runner := deployer.NewFakeRunner()
	c, m := newTestController(t, testConfig(), runner)

	body := pushBody("org/app", "refs/tags/v1.2.3", false)
	w := serve(c, webhookRequest("push", body, signed(body)))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "deploy triggered", w.Body.String())

	require.Eventually(t, func() bool { return len(m.Sent()) == 1 }, 5*time.Second, 10*time.Millisecond)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "app", calls[0].RepositoryShortName)
	assert.Equal(t, "v1.2.3", calls[0].Tag)
	assert.Equal(t, "/srv/dev", calls[0].DevDir)
	assert.Equal(t, "72d3162e-cc78-11e3-81ab-4c9367dc0958", calls[0].DeliveryID)

	n := m.Sent()[0]
	assert.Equal(t, "Deploy successful", n.Subject)
	assert.Equal(t, "Deploy of v1.2.3 for org/app successful: dry run of /opt/deploy/deploy.sh app v1.2.3 /srv/dev /srv/scripts", n.Body)
}

func TestDeployHandlerDecisions(t *testing.T) {
	runner := deployer.NewFakeRunner()
	c, _ := newTestController(t, testConfig(), runner)

	tag := pushBody("org/app", "refs/tags/v1.0.0", false)
	wrongSignature := webhook.SignatureHeader("not the secret", tag)
	invalid := []byte(`{"ref":`)
	otherRepo := pushBody("evil/app", "refs/tags/v1.0.0", false)
	branch := pushBody("org/app", "refs/heads/main", false)
	deleted := pushBody("org/app", "refs/tags/v1.0.0", true)

	for name, tc := range map[string]struct {
		req  *http.Request
		code int
		body string
	}{
		"not push":          {webhookRequest("ping", tag, nil), http.StatusOK, "ignored (not push)"},
		"missing signature": {webhookRequest("push", tag, nil), http.StatusUnauthorized, "missing signature"},
		"bad signature":     {webhookRequest("push", tag, &wrongSignature), http.StatusUnauthorized, "bad signature"},
		"invalid json":      {webhookRequest("push", invalid, signed(invalid)), http.StatusBadRequest, "invalid payload"},
		"repo mismatch":     {webhookRequest("push", otherRepo, signed(otherRepo)), http.StatusForbidden, "repo mismatch"},
		"branch":            {webhookRequest("push", branch, signed(branch)), http.StatusOK, "ignored (not a tag ref)"},
		"deleted tag":       {webhookRequest("push", deleted, signed(deleted)), http.StatusOK, "ignored (tag deleted)"},
	} {
		w := serve(c, tc.req)
		assert.Equal(t, tc.code, w.Code, name)
		assert.Equal(t, tc.body, w.Body.String(), name)
	}

	assert.Empty(t, runner.Calls())
}

func TestDeployHandlerMethodNotAllowed(t *testing.T) {
	c, _ := newTestController(t, testConfig(), deployer.NewFakeRunner())

	w := serve(c, httptest.NewRequest(http.MethodGet, "/deploy", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, http.MethodPost, w.Header().Get("Allow"))
}

func TestDeployHandlerPayloadTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxBodyBytes = 16

	runner := deployer.NewFakeRunner()
	c, _ := newTestController(t, cfg, runner)

	body := pushBody("org/app", "refs/tags/v1.0.0", false)
	w := serve(c, webhookRequest("push", body, signed(body)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, runner.Calls())

	// Events other than push are ignored before their payload is read
	w = serve(c, webhookRequest("ping", body, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored (not push)", w.Body.String())
}

func TestDeployHandlerOverlappingDeploysRunTwice(t *testing.T) {
	runner := deployer.NewFakeRunner()
	c, m := newTestController(t, testConfig(), runner)

	body := pushBody("org/app", "refs/tags/v1.0.0", false)
	for i := 0; i < 2; i++ {
		w := serve(c, webhookRequest("push", body, signed(body)))
		require.Equal(t, http.StatusOK, w.Code)
	}

	require.Eventually(t, func() bool { return len(m.Sent()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, runner.Calls(), 2)
}

func TestDeployHandlerSingleFlight(t *testing.T) {
	cfg := testConfig()
	cfg.Deploy.SingleFlight = true

	release := make(chan struct{})
	started := make(chan struct{}, 1)

	runner := deployer.NewFakeRunner()
	runner.Hook = func(context.Context, schemas.DeployRequest) {
		started <- struct{}{}
		<-release
	}

	c, m := newTestController(t, cfg, runner)

	body := pushBody("org/app", "refs/tags/v1.0.0", false)
	w := serve(c, webhookRequest("push", body, signed(body)))
	require.Equal(t, http.StatusOK, w.Code)

	<-started

	w = serve(c, webhookRequest("push", body, signed(body)))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "deploy already in progress", w.Body.String())

	running := c.RunningDeploys(context.Background())
	require.Contains(t, running, "org/app")
	assert.Equal(t, "v1.0.0", running["org/app"].Tag)

	close(release)

	require.Eventually(t, func() bool {
		return len(m.Sent()) == 1 && len(c.RunningDeploys(context.Background())) == 0
	}, 5*time.Second, 10*time.Millisecond)

	started = make(chan struct{}, 1)
	w = serve(c, webhookRequest("push", body, signed(body)))
	assert.Equal(t, http.StatusOK, w.Code)
	require.Eventually(t, func() bool { return len(m.Sent()) == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestDeployHandlerNotifiesScriptExitStatus(t *testing.T) {
	for name, tc := range map[string]struct {
		script  string
		subject string
		body    string
	}{
		"success": {
			script:  "#!/bin/sh\necho \"deployed $1 $2\"\n",
			subject: "Deploy successful",
			body:    "Deploy of v1.2.3 for org/app successful: deployed app v1.2.3",
		},
		"failure": {
			script:  "#!/bin/sh\necho partial\necho oops >&2\nexit 1\n",
			subject: "Deploy failed",
			body:    "Deploy of v1.2.3 for org/app failed: CommandExecuteError: exit=1, stdout=partial, stderr=oops",
		},
	} {
		t.Run(name, func(t *testing.T) {
			script := filepath.Join(t.TempDir(), "deploy.sh")
			require.NoError(t, os.WriteFile(script, []byte(tc.script), 0o755))

			cfg := testConfig()
			cfg.Deploy.ScriptPath = script

			c, m := newTestController(t, cfg, nil)
			require.IsType(t, &deployer.ScriptRunner{}, c.Runner)

			body := pushBody("org/app", "refs/tags/v1.2.3", false)
			w := serve(c, webhookRequest("push", body, signed(body)))
			require.Equal(t, http.StatusOK, w.Code)

			require.Eventually(t, func() bool { return len(m.Sent()) == 1 }, 5*time.Second, 10*time.Millisecond)

			n := m.Sent()[0]
			assert.Equal(t, tc.subject, n.Subject)
			assert.Equal(t, tc.body, n.Body)
		})
	}
}

func TestDeployHandlerWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Deploy.SingleFlight = true

	ctx, cancel := context.WithCancel(context.Background())
	runner := deployer.NewFakeRunner()
	m := &recordingMailer{}

	c, err := New(ctx, cfg, "test", WithRunner(runner), WithMailer(m))
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		_ = c.TaskController.Factory.Close()
		_ = c.Redis.Close()
	})

	require.NotNil(t, c.Redis)

	body := pushBody("org/app", "refs/tags/v1.2.3", false)
	w := serve(c, webhookRequest("push", body, signed(body)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "deploy triggered", w.Body.String())

	require.Eventually(t, func() bool {
		return len(m.Sent()) == 1 && len(c.RunningDeploys(context.Background())) == 0
	}, 10*time.Second, 20*time.Millisecond)

	// The request went through the Redis queue
	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "v1.2.3", calls[0].Tag)
	assert.Equal(t, "/srv/dev", calls[0].DevDir)
	assert.Equal(t, "Deploy successful", m.Sent()[0].Subject)

	executed, err := c.Store.ExecutedTasksCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), executed)
}

func TestDeployFailureIsNotified(t *testing.T) {
	runner := deployer.NewFakeRunner()
	failure := schemas.NewFailureOutcome(schemas.FailureKindExecute, "CommandExecuteError: exit=3, stdout=, stderr=disk full")
	runner.Outcome = &failure

	c, m := newTestController(t, testConfig(), runner)

	outcome := c.Deploy(context.Background(), schemas.NewDeployRequest("id", "org/app", "v2.0.0", schemas.DeployParameters{}))
	assert.False(t, outcome.Succeeded())

	sent := m.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Deploy failed", sent[0].Subject)
	assert.Equal(t, "Deploy of v2.0.0 for org/app failed: CommandExecuteError: exit=3, stdout=, stderr=disk full", sent[0].Body)
}

func TestDeployMailerErrorIsSwallowed(t *testing.T) {
	c, m := newTestController(t, testConfig(), deployer.NewFakeRunner())
	m.err = errors.New("connection refused")

	outcome := c.Deploy(context.Background(), schemas.NewDeployRequest("id", "org/app", "v2.0.0", schemas.DeployParameters{}))
	assert.True(t, outcome.Succeeded())
}

func TestTaskHandlerDeployContainsPanics(t *testing.T) {
	cfg := testConfig()
	cfg.Deploy.SingleFlight = true

	runner := deployer.NewFakeRunner()
	runner.Hook = func(context.Context, schemas.DeployRequest) {
		panic("boom")
	}

	c, m := newTestController(t, cfg, runner)
	req := schemas.NewDeployRequest("id", "org/app", "v2.0.0", schemas.DeployParameters{})

	set, err := c.Store.QueueTask(context.Background(), schemas.TaskTypeDeploy, req.RepositoryFullName, schemas.Lease{ProcessUUID: c.UUID.String()})
	require.NoError(t, err)
	require.True(t, set)

	assert.NotPanics(t, func() {
		assert.NoError(t, c.TaskHandlerDeploy(context.Background(), req))
	})

	sent := m.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Deploy failed", sent[0].Subject)
	assert.Contains(t, sent[0].Body, "deploy runner panicked: boom")

	_, held, err := c.Store.CurrentLease(context.Background(), schemas.TaskTypeDeploy, req.RepositoryFullName)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestMetricsHandler(t *testing.T) {
	c, m := newTestController(t, testConfig(), deployer.NewFakeRunner())

	body := pushBody("org/app", "refs/tags/v1.0.0", false)
	serve(c, webhookRequest("push", body, signed(body)))
	serve(c, webhookRequest("push", body, nil))

	require.Eventually(t, func() bool { return len(m.Sent()) == 1 }, 5*time.Second, 10*time.Millisecond)

	w := httptest.NewRecorder()
	c.MetricsHandler(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `tag_deployer_webhook_requests_total{decision="triggered"} 1`)
	assert.Contains(t, w.Body.String(), `tag_deployer_webhook_requests_total{decision="rejected:missing_signature"} 1`)
	assert.Contains(t, w.Body.String(), `tag_deployer_deploys_total{status="success"} 1`)
	assert.Contains(t, w.Body.String(), `tag_deployer_notifications_total{status="sent"} 1`)
	assert.Contains(t, w.Body.String(), "tag_deployer_webhook_requests_per_second")
}

func TestHealthCheckHandler(t *testing.T) {
	script := filepath.Join(t.TempDir(), "deploy.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o644))

	cfg := testConfig()
	cfg.Deploy.ScriptPath = script

	c, _ := newTestController(t, cfg, deployer.NewFakeRunner())
	h := c.HealthCheckHandler(context.Background())

	ready := func() int {
		w := httptest.NewRecorder()
		h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

		return w.Code
	}

	assert.Equal(t, http.StatusServiceUnavailable, ready())

	require.NoError(t, os.Chmod(script, 0o755))
	assert.Equal(t, http.StatusOK, ready())

	w := httptest.NewRecorder()
	h.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewRequiresValidMailConfiguration(t *testing.T) {
	cfg := testConfig()
	cfg.Mail.SMTPEndpoint = "not an endpoint"

	_, err := New(context.Background(), cfg, "test", WithRunner(deployer.NewFakeRunner()))
	assert.Error(t, err)
}

func TestNewInstallsMailer(t *testing.T) {
	c, m := newTestController(t, testConfig(), deployer.NewFakeRunner())
	req := schemas.NewDeployRequest("id", "org/app", "v2.0.0", schemas.DeployParameters{})

	c.Deploy(context.Background(), req)
	require.Len(t, m.Sent(), 1)

	replacement := &recordingMailer{}
	c.Notifier.SetMailer(replacement)

	c.Deploy(context.Background(), req)
	assert.Len(t, m.Sent(), 1)
	assert.Len(t, replacement.Sent(), 1)
}

func TestNewSelectsRunner(t *testing.T) {
	cfg := testConfig()
	cfg.Deploy.DryRun = true

	c, _ := newTestController(t, cfg, nil)
	assert.IsType(t, &deployer.FakeRunner{}, c.Runner)

	c, _ = newTestController(t, testConfig(), nil)
	assert.IsType(t, &deployer.ScriptRunner{}, c.Runner)
}
