package http

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"calsync_server/core/domain"
	"calsync_server/infra/middleware"
	"calsync_server/pkg/apperr"
	"calsync_server/pkg/logger"
)

func init() {
	logger.Init(logger.Config{Level: logger.LevelFatal, Output: io.Discard})
}

type fakePipeline struct {
	result *domain.PipelineResult
	err    error
	calls  int
}

func (f *fakePipeline) Run(_ context.Context, _ string, _ []byte) (*domain.PipelineResult, error) {
	f.calls++
	return f.result, f.err
}

func newTestApp(p *fakePipeline) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: middleware.ErrorHandler(),
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})
	NewWebhookHandler(p, nil, 0).Register(app)
	return app
}

func postWebhook(t *testing.T, app *fiber.App, path string, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	return resp, decoded
}

func TestReceiveProcessed(t *testing.T) {
	p := &fakePipeline{result: &domain.PipelineResult{
		TransactionID: "tx-1",
		State:         domain.StateDone,
	}}
	app := newTestApp(p)

	resp, body := postWebhook(t, app, "/webhook/hook-1", `{"type":"ADD_RECORD","recordId":1}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "processed" || body["transaction_id"] != "tx-1" {
		t.Errorf("body = %v, want processed with transaction id", body)
	}
	if p.calls != 1 {
		t.Errorf("pipeline calls = %d, want 1", p.calls)
	}
}

func TestReceiveUnknownSiteReturns404(t *testing.T) {
	p := &fakePipeline{err: apperr.SiteNotFound("hook-x")}
	app := newTestApp(p)

	resp, body := postWebhook(t, app, "/webhook/hook-x", `{}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if errObj, ok := body["error"].(map[string]any); !ok || errObj["code"] != apperr.CodeSiteNotFound {
		t.Errorf("body = %v, want SITE_NOT_FOUND error", body)
	}
}

func TestReceiveBadPayloadReturns400(t *testing.T) {
	p := &fakePipeline{err: apperr.BadPayload("recordId is missing")}
	app := newTestApp(p)

	resp, _ := postWebhook(t, app, "/webhook/hook-1", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestReceiveNoCorrelationIsAcknowledged(t *testing.T) {
	p := &fakePipeline{
		result: &domain.PipelineResult{
			TransactionID: "tx-2",
			State:         domain.StateAborted,
			AbortReason:   "no-correlation",
		},
		err: apperr.NoCorrelation(99),
	}
	app := newTestApp(p)

	resp, body := postWebhook(t, app, "/webhook/hook-1", `{"type":"UPDATE_RECORD","recordId":99}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "skipped" || body["reason"] != "no-correlation" {
		t.Errorf("body = %v, want skipped with reason", body)
	}
}

func TestReceiveProviderFailureIsAcknowledged(t *testing.T) {
	p := &fakePipeline{
		result: &domain.PipelineResult{
			TransactionID: "tx-3",
			State:         domain.StateAborted,
			AbortReason:   "provider-failure",
		},
		err: apperr.Provider("update", io.ErrUnexpectedEOF),
	}
	app := newTestApp(p)

	resp, body := postWebhook(t, app, "/webhook/hook-1", `{"type":"UPDATE_RECORD","recordId":7}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "failed" {
		t.Errorf("body = %v, want failed", body)
	}
}
