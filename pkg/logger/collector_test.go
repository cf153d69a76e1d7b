package logger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePublisher struct {
	mu      sync.Mutex
	topic   string
	batches []LogBatch
}

func (p *fakePublisher) PublishMessage(_ context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic = topic
	p.batches = append(p.batches, payload.(LogBatch))
	return nil
}

func TestCollectorAggregatesBySiteAndInstrument(t *testing.T) {
	pub := &fakePublisher{}
	c := NewLogCollector(&CollectionConfig{TimeInterval: time.Hour, Topic: "logs", Publisher: pub})

	c.AddLog("error", "training failed", map[string]interface{}{"instrument": "NYSE:IBM", "error": "a"}, "trainer.go:1")
	c.AddLog("error", "training failed", map[string]interface{}{"instrument": "NYSE:IBM", "error": "b"}, "trainer.go:1")
	c.AddLog("error", "training failed", map[string]interface{}{"instrument": "HOSE:VNM"}, "trainer.go:1")
	c.Close()

	if len(pub.batches) != 1 || pub.topic != "logs" {
		t.Fatalf("expected one batch on logs, got %d on %q", len(pub.batches), pub.topic)
	}
	entries := pub.batches[0].Entries
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	top := entries[0]
	if top.Instrument != "NYSE:IBM" || top.Count != 2 || top.Sample["error"] != "b" {
		t.Fatalf("unexpected top entry %+v", top)
	}
}

func TestCollectorFlushesOnThreshold(t *testing.T) {
	pub := &fakePublisher{}
	c := NewLogCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 2, Publisher: pub})
	defer c.Close()

	c.AddLog("warn", "one", nil, "x.go:1")
	c.AddLog("warn", "two", nil, "x.go:2")

	deadline := time.Now().Add(2 * time.Second)
	for {
		pub.mu.Lock()
		n := len(pub.batches)
		pub.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("threshold flush never published")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type failingPublisher struct{}

func (failingPublisher) PublishMessage(context.Context, string, interface{}) error {
	return errors.New("broker down")
}

func TestCollectorCloseWithFailingPublisher(t *testing.T) {
	c := NewLogCollector(&CollectionConfig{TimeInterval: time.Hour, Publisher: failingPublisher{}})
	c.AddLog("error", "boom", nil, "x.go:1")
	c.Close()
	c.Close()
}

func TestLoggerFeedsCollector(t *testing.T) {
	pub := &fakePublisher{}
	l := Nop()
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, Publisher: pub})
	l.Info("ignored")
	l.Warn("bars missing", String("instrument", "NYSE:IBM"))
	l.RemoveCollector()

	if len(pub.batches) != 1 || len(pub.batches[0].Entries) != 1 {
		t.Fatalf("unexpected batches %+v", pub.batches)
	}
	if e := pub.batches[0].Entries[0]; e.Level != "warn" || e.Instrument != "NYSE:IBM" {
		t.Fatalf("unexpected entry %+v", e)
	}
}
