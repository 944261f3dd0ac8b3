package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/trialmatch/internal/config"
	"github.com/nugget/trialmatch/internal/events"
)

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestClientID(t *testing.T) {
	tests := []struct {
		prefix, instance, want string
	}{
		{"trialmatch", "0190aaaa-0000-7000-8000-0000deadbeef", "trialmatch-deadbeef"},
		{"trialmatch", "abc", "trialmatch-abc"},
		{"trialmatch", "", "trialmatch"},
	}
	for _, tt := range tests {
		if got := ClientID(tt.prefix, tt.instance); got != tt.want {
			t.Errorf("ClientID(%q, %q) = %q, want %q", tt.prefix, tt.instance, got, tt.want)
		}
	}
}

func newTestPublisher() *Publisher {
	return New(config.MQTTConfig{
		Broker:    "mqtt://localhost:1883",
		ClientID:  "trialmatch",
		TopicBase: "clinic/trialmatch/",
	}, "0190aaaa-0000-7000-8000-000000000001", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := newTestPublisher()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availability", p.availabilityTopic(), "clinic/trialmatch/availability"},
		{"activity", p.activityTopic("run-1"), "clinic/trialmatch/run-1/activity"},
		{"status", p.statusTopic("run-1"), "clinic/trialmatch/run-1/status"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s topic = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

type fakeBroker struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (f *fakeBroker) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, p)
	return &paho.PublishResponse{}, nil
}

func TestPublisher_NotifyBeforeStart(t *testing.T) {
	p := newTestPublisher()
	p.Notify(events.Event{RunID: "run-1", Kind: events.KindStart})
}

func TestPublisher_NotifyPublishesActivity(t *testing.T) {
	p := newTestPublisher()
	fb := &fakeBroker{}
	p.bk = fb

	p.Notify(events.Event{RunID: "run-1", Kind: events.KindToolCall, ToolName: "rank_trials", CallID: "c1"})

	if len(fb.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(fb.msgs))
	}
	msg := fb.msgs[0]
	if msg.Topic != "clinic/trialmatch/run-1/activity" {
		t.Errorf("topic = %q", msg.Topic)
	}
	if msg.Retain {
		t.Error("activity messages must not be retained")
	}

	var got events.Event
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatalf("payload is not an event: %v", err)
	}
	if got.Kind != events.KindToolCall || got.ToolName != "rank_trials" || got.CallID != "c1" {
		t.Errorf("payload = %+v", got)
	}
}

func TestPublisher_TerminalEventsPublishStatus(t *testing.T) {
	tests := []struct {
		name  string
		event events.Event
		want  string
	}{
		{"complete", events.Event{RunID: "run-1", Kind: events.KindComplete}, "succeeded"},
		{"limit", events.Event{RunID: "run-1", Kind: events.KindError, Data: map[string]any{"status": "iteration_limit"}}, "iteration_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPublisher()
			fb := &fakeBroker{}
			p.bk = fb

			p.Notify(tt.event)

			if len(fb.msgs) != 2 {
				t.Fatalf("published %d messages, want 2", len(fb.msgs))
			}
			status := fb.msgs[1]
			if status.Topic != "clinic/trialmatch/run-1/status" || !status.Retain {
				t.Errorf("status message = %s retain=%v", status.Topic, status.Retain)
			}
			if string(status.Payload) != tt.want {
				t.Errorf("status = %q, want %q", status.Payload, tt.want)
			}
		})
	}
}

func TestPublisher_PublishErrorIsSwallowed(t *testing.T) {
	p := newTestPublisher()
	p.bk = &fakeBroker{err: errors.New("not connected")}

	p.Notify(events.Event{RunID: "run-1", Kind: events.KindComplete})
}

func TestPublisher_StopWithoutStart(t *testing.T) {
	p := newTestPublisher()
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := p.AwaitConnection(context.Background()); err == nil {
		t.Error("AwaitConnection() before Start should fail")
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	if (config.MQTTConfig{}).Configured() {
		t.Error("empty config should not be configured")
	}
	if !(config.MQTTConfig{Broker: "mqtt://x"}).Configured() {
		t.Error("config with broker should be configured")
	}
}
