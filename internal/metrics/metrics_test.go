package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAccumulate(t *testing.T) {
	before := testutil.ToFloat64(callTransitions.WithLabelValues("completed"))
	CallTransition("completed")
	CallTransition("completed")
	if got := testutil.ToFloat64(callTransitions.WithLabelValues("completed")) - before; got != 2 {
		t.Fatalf("completed transitions = %v, want 2", got)
	}

	SetConnections("signaling", 3)
	if got := testutil.ToFloat64(connections.WithLabelValues("signaling")); got != 3 {
		t.Fatalf("signaling connections = %v, want 3", got)
	}
}

func TestHandlerServesNamespace(t *testing.T) {
	FrameReceived("ping")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "voxmatch_frames_received_total") {
		t.Fatalf("metrics output lacks frame counter:\n%s", body)
	}
}
