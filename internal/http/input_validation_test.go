package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"certgate/internal/http/handlers"
)

// reject malformed inputs before the registry or storage is touched
func TestValidationBadInputs(t *testing.T) {
	g := newGateway(t, handlers.AppOptions{})
	cases := []struct {
		name string
		body map[string]string
	}{
		{"missing product", map[string]string{"file": "JVBERg==", "certificateId": certID}},
		{"missing file", map[string]string{"productId": "p2", "certificateId": certID}},
		{"missing certificate id", map[string]string{"productId": "p2", "file": "JVBERg=="}},
		{"file not base64", map[string]string{"productId": "p2", "file": "not*base64", "certificateId": certID}},
		{"traversal product", map[string]string{"productId": "../../etc", "file": "JVBERg==", "certificateId": certID}},
		{"certificate id with spaces", map[string]string{"productId": "p2", "file": "JVBERg==", "certificateId": "ISCC 1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, out := doJSON(t, g.app, "POST", "/certificates/upload", tc.body)
			if resp.StatusCode != http.StatusBadRequest || out["success"] != false {
				t.Fatalf("got %d %v", resp.StatusCode, out)
			}
		})
	}
	if len(g.blobs.Keys()) != 0 {
		t.Fatal("rejected uploads wrote blobs")
	}
}

func TestValidationNonJSONBody(t *testing.T) {
	g := newGateway(t, handlers.AppOptions{})
	req := httptest.NewRequest("POST", "/certificates/upload", strings.NewReader("productId=p1"))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := g.app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestValidationPathParams(t *testing.T) {
	g := newGateway(t, handlers.AppOptions{})
	for _, path := range []string{"/certificates/p..1", "/certificates/p$1"} {
		resp, _ := doJSON(t, g.app, "DELETE", path, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("DELETE %s = %d", path, resp.StatusCode)
		}
	}
	resp, _ := doJSON(t, g.app, "DELETE", "/certificates/p1/bad%20id", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("delete with bad id = %d", resp.StatusCode)
	}
}

// a product id that could never be stored lists as an unknown product
func TestListUnstorableProductIsEmpty(t *testing.T) {
	g := newGateway(t, handlers.AppOptions{})
	for _, path := range []string{"/certificates/p..1", "/certificates/p$1", "/certificates/acme:p1"} {
		resp, out := doJSON(t, g.app, "GET", path, nil)
		certs, ok := out["certificates"].([]any)
		if resp.StatusCode != http.StatusNotFound || !ok || len(certs) != 0 {
			t.Fatalf("GET %s = %d %v", path, resp.StatusCode, out)
		}
	}
}
