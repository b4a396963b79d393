package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.BusEvent("threads_updated", "published")
	m.Op("threads", "create", "succeeded")
	m.RegisterGauge("sync", "pending", "", func() float64 { return 1 })
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Op("threads", "create", "enqueued")
	m.Batch("ok")
	m.RegisterGauge("sync", "pending_ops", "Queued operations.", func() float64 { return 4 })

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`threadsync_sync_ops_total{collection="threads",kind="create",outcome="enqueued"} 1`,
		`threadsync_sync_batches_total{result="ok"} 1`,
		`threadsync_sync_pending_ops 4`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %q in output", want)
		}
	}
}
