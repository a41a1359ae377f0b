package importexport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestHandler(t *testing.T) (*Handler, *http.ServeMux) {
	t.Helper()
	im := newTestImporter(t)
	h := NewHandler(im, nil)
	mux := http.NewServeMux()
	h.Routes(mux)
	return h, mux
}

func TestHandleImport_StoresEntriesAndReportsResult(t *testing.T) {
	_, mux := newTestHandler(t)

	body := `{"mcpServers":{"files":{"type":"stdio","command":"/usr/bin/mcp-files"}}}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/admin/import", strings.NewReader(body))
	mux.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var res Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Imported != 1 {
		t.Errorf("Imported = %d, want 1 (errors=%v)", res.Imported, res.Errors)
	}
}

func TestHandleImport_InvalidJSONReturns400(t *testing.T) {
	_, mux := newTestHandler(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/admin/import", strings.NewReader(`{not json`))
	mux.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleExport_ReturnsStoredConfigs(t *testing.T) {
	h, mux := newTestHandler(t)

	if _, err := h.Importer.Import(context.Background(), Document{
		McpServers: map[string]Entry{"files": {Type: "stdio", Command: "/usr/bin/mcp-files"}},
	}); err != nil {
		t.Fatalf("seed import: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/admin/export", nil)
	mux.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var doc Document
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := doc.McpServers["files"]; !ok {
		t.Errorf("exported document missing %q, got %v", "files", doc.McpServers)
	}
}
