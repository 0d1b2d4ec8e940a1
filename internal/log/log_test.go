package log

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	Set(zap.New(core))
	t.Cleanup(func() { Set(nil) })
	return logs
}

func TestWriteWithoutContext(t *testing.T) {
	logs := observe(t)
	Error(nil, "channel.publish.fail", errors.New("broker down"), map[string]any{"topic": "certificate-responses"})

	entries := logs.FilterMessage("channel.publish.fail").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["topic"] != "certificate-responses" || ctx["error"] != "broker down" {
		t.Fatalf("fields: %v", ctx)
	}
	if entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("level = %v", entries[0].Level)
	}
}

func TestWriteWithFiberContext(t *testing.T) {
	logs := observe(t)
	app := fiber.New()
	app.Use(requestid.New())
	app.Get("/x", func(c *fiber.Ctx) error {
		Audit(c, "certificate.upload", map[string]any{"product_id": "p1"})
		return c.SendStatus(fiber.StatusNoContent)
	})
	if _, err := app.Test(httptest.NewRequest("GET", "/x", nil)); err != nil {
		t.Fatal(err)
	}
	entries := logs.FilterMessage("certificate.upload").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["path"] != "/x" || ctx["method"] != "GET" || ctx["audit"] != true {
		t.Fatalf("fields: %v", ctx)
	}
	if rid, _ := ctx["req_id"].(string); rid == "" {
		t.Fatalf("request id missing: %v", ctx)
	}
}

func TestInitRejectsBadLevel(t *testing.T) {
	if _, err := Init("loud", ""); err == nil {
		t.Fatal("bad level accepted")
	}
}
