package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerRendersObservedRequests(t *testing.T) {
	ObserveHTTPRequest("start_service", "POST", 200, 42*time.Millisecond)
	ObserveHTTPRequest("start_service", "POST", 409, 3*time.Millisecond)

	recorder := httptest.NewRecorder()
	Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	if ct := recorder.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body, err := io.ReadAll(recorder.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	output := string(body)

	for _, want := range []string{
		`pluginhub_http_requests_total{handler="start_service",method="POST",code="200"}`,
		`pluginhub_http_requests_total{handler="start_service",method="POST",code="409"}`,
		`pluginhub_http_request_duration_seconds_bucket{handler="start_service",method="POST",le="+Inf"}`,
		`pluginhub_http_request_duration_seconds_count{handler="start_service",method="POST"}`,
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("missing %q in output:\n%s", want, output)
		}
	}
}

func TestEscape(t *testing.T) {
	if got := escape(`a"b\c` + "\n"); got != `a\"b\\c` {
		t.Fatalf("unexpected escape result %q", got)
	}
}
