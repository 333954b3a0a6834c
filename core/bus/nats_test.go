package bus

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"charlora/core/models"

	"github.com/nats-io/nats.go"
)

func TestEventSubject(t *testing.T) {
	if got := EventSubject("charlora.jobs.events", models.StageTraining); got != "charlora.jobs.events.training" {
		t.Fatalf("unexpected subject %q", got)
	}
}

// Runs against a live server only, e.g. CHARLORA_TEST_NATS_URL=nats://127.0.0.1:4222
func TestPublishJobEventRoundTrip(t *testing.T) {
	url := os.Getenv("CHARLORA_TEST_NATS_URL")
	if url == "" {
		t.Skip("CHARLORA_TEST_NATS_URL not set")
	}
	subject := "charlora.test." + time.Now().Format("150405.000000")

	listener, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect listener: %v", err)
	}
	defer listener.Close()
	got := make(chan models.JobEvent, 1)
	sub, err := listener.Subscribe(subject+".>", func(msg *nats.Msg) {
		var ev models.JobEvent
		if err := json.Unmarshal(msg.Data, &ev); err == nil {
			got <- ev
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := listener.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	c, err := Connect(url, subject)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	from := models.StagePrepping
	sent := models.JobEvent{JobID: "job-1", At: time.Now().UTC(), FromStage: &from, ToStage: models.StageTraining, Reason: "prepare_finished"}
	if err := c.PublishJobEvent(context.Background(), sent); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-got:
		if ev.JobID != "job-1" || ev.ToStage != models.StageTraining || ev.FromStage == nil || *ev.FromStage != from {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}
