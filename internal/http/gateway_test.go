package handlers_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"certgate/internal/domain"
	"certgate/internal/http/handlers"
	"certgate/internal/registry"
	"certgate/internal/repos"
	"certgate/internal/services"
)

const certID = "ISCC-CORSIA-Cert-US201-2440920252"

type gateway struct {
	app   *fiber.App
	svc   *services.CertificateService
	blobs *repos.MemoryBlobStore
}

func newGateway(t *testing.T, opts handlers.AppOptions) gateway {
	t.Helper()
	until, _ := domain.ParseDate("2999-01-01")
	reg := &registry.Stub{Valid: map[string]domain.Date{certID: until}}
	blobs := repos.NewMemoryBlobStore()
	svc := services.NewCertificateService(blobs, repos.NewMemoryProductRepo(), reg)
	return gateway{app: handlers.NewApp(opts, handlers.NewDeps(svc)), svc: svc, blobs: blobs}
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func uploadBody(product, cert string) map[string]string {
	return map[string]string{
		"productId":     product,
		"file":          base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 " + product)),
		"certificateId": cert,
	}
}

func TestHealthz(t *testing.T) {
	g := newGateway(t, handlers.AppOptions{})
	resp, err := g.app.Test(httptest.NewRequest("GET", "/healthz", nil))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}
}

func TestGatewayLifecycle(t *testing.T) {
	g := newGateway(t, handlers.AppOptions{})

	resp, out := doJSON(t, g.app, "POST", "/certificates/upload", uploadBody("p1", certID))
	if resp.StatusCode != http.StatusOK || out["success"] != true {
		t.Fatalf("upload = %d %v", resp.StatusCode, out)
	}

	resp, out = doJSON(t, g.app, "GET", "/certificates", nil)
	if resp.StatusCode != http.StatusOK || out["total"] != float64(1) {
		t.Fatalf("list = %d %v", resp.StatusCode, out)
	}

	resp, out = doJSON(t, g.app, "GET", "/certificates/p1", nil)
	certs, _ := out["certificates"].([]any)
	if resp.StatusCode != http.StatusOK || len(certs) != 1 {
		t.Fatalf("list product = %d %v", resp.StatusCode, out)
	}
	rec := certs[0].(map[string]any)
	if rec["verified"] != true || rec["validUntil"] != "2999-01-01" || rec["certificateId"] != certID {
		t.Fatalf("record = %v", rec)
	}
	id := rec["id"].(string)

	resp, out = doJSON(t, g.app, "DELETE", "/certificates/p1/"+id, nil)
	if resp.StatusCode != http.StatusOK || out["success"] != true {
		t.Fatalf("delete = %d %v", resp.StatusCode, out)
	}
	resp, _ = doJSON(t, g.app, "DELETE", "/certificates/p1/"+id, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("second delete = %d", resp.StatusCode)
	}

	resp, out = doJSON(t, g.app, "GET", "/certificates/p1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("emptied product = %d %v", resp.StatusCode, out)
	}
}

func TestGatewayDeleteProduct(t *testing.T) {
	g := newGateway(t, handlers.AppOptions{})
	doJSON(t, g.app, "POST", "/certificates/upload", uploadBody("p1", certID))
	doJSON(t, g.app, "POST", "/certificates/upload", uploadBody("p1", certID))

	resp, out := doJSON(t, g.app, "DELETE", "/certificates/p1", nil)
	if resp.StatusCode != http.StatusOK || out["success"] != true {
		t.Fatalf("delete product = %d %v", resp.StatusCode, out)
	}
	if len(g.blobs.Keys()) != 0 {
		t.Fatalf("blobs left: %v", g.blobs.Keys())
	}
	resp, _ = doJSON(t, g.app, "DELETE", "/certificates/never", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unknown product delete = %d", resp.StatusCode)
	}
}

func TestGatewayUnverifiedIs400(t *testing.T) {
	g := newGateway(t, handlers.AppOptions{})
	resp, out := doJSON(t, g.app, "POST", "/certificates/upload", uploadBody("p2", "ISCC-NOPE"))
	if resp.StatusCode != http.StatusBadRequest || out["success"] != false {
		t.Fatalf("upload = %d %v", resp.StatusCode, out)
	}
	if ids := g.svc.List(context.Background()); len(ids) != 0 {
		t.Fatalf("products = %v", ids)
	}
}

// brokenBlobs fails every write.
type brokenBlobs struct{ *repos.MemoryBlobStore }

func (brokenBlobs) Put(context.Context, string, []byte) (string, error) {
	return "", errors.New("bucket unreachable")
}

func TestGatewayStorageFailureIs500(t *testing.T) {
	until, _ := domain.ParseDate("2999-01-01")
	svc := services.NewCertificateService(brokenBlobs{repos.NewMemoryBlobStore()}, repos.NewMemoryProductRepo(), registry.AcceptAll(until))
	app := handlers.NewApp(handlers.AppOptions{}, handlers.NewDeps(svc))

	resp, out := doJSON(t, app, "POST", "/certificates/upload", uploadBody("p1", certID))
	if resp.StatusCode != http.StatusInternalServerError || out["success"] != false {
		t.Fatalf("upload = %d %v", resp.StatusCode, out)
	}
	if strings.Contains(out["error"].(string), "bucket") {
		t.Fatalf("internal detail leaked: %v", out)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	g := newGateway(t, handlers.AppOptions{})
	doJSON(t, g.app, "GET", "/certificates", nil)

	resp, err := g.app.Test(httptest.NewRequest("GET", "/metrics", nil))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "certgate_operations_total") {
		t.Fatalf("metrics = %d\n%s", resp.StatusCode, body)
	}
}
