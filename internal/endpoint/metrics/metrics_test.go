package metrics

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/log"
)

func TestExposition(t *testing.T) {
	e := New(config.Metrics{Address: "127.0.0.1:0"}, log.Logger{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Close()

	resp, err := http.Get("http://" + e.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("exposition misses the runtime collectors")
	}
}

func TestCloseStopsServing(t *testing.T) {
	e := New(config.Metrics{Address: "127.0.0.1:0"}, log.Logger{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := e.Addr().String()
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := http.Get("http://" + addr + "/metrics"); err == nil {
		t.Error("endpoint still serving after Close")
	}
}
