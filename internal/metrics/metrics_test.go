package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestRegisterTwice(t *testing.T) {
	Register()
	Register()
}

func TestServeExposesCounters(t *testing.T) {
	Register()
	MessagesStaged.Inc()
	UploadEvents.WithLabelValues("uploadError").Inc()

	s, err := Listen("127.0.0.1:0", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve()
	defer s.Shutdown(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"msync_messages_staged_total", `msync_upload_events_total{kind="uploadError"}`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("/metrics does not expose %s", want)
		}
	}
}
