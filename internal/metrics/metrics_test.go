package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/observability"
)

func TestInit_SingleBuildInfoGauge(t *testing.T) {
	p := Init(Config{Build: BuildInfo{Version: "1.2.3", Revision: "abc"}})
	observability.Init(p.Registerer())

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, `proxy_build_info{`) {
		t.Fatalf("proxy_build_info missing from scrape")
	}
	// the provider owns build info; the instrument set must not add a second gauge
	if strings.Contains(body, "app_build_info") {
		t.Fatalf("second build info gauge exposed")
	}
}
