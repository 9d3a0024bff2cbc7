package health

import (
	"encoding/json"
	"net/http"
)

// ReadinessReporter is satisfied by the cache manager: the proxy is ready
// once the persistent store is open.
type ReadinessReporter interface {
	Ready() bool
}

func Readiness(rr ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status string `json:"status"`
		}
		out := resp{Status: "not_ready"}
		w.Header().Set("Content-Type", "application/json")
		if rr.Ready() {
			out.Status = "ready"
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
