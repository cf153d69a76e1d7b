package logger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// Publisher delivers a batch of aggregated entries to a topic.
type Publisher interface {
	PublishMessage(ctx context.Context, topic string, payload interface{}) error
}

type CollectionConfig struct {
	TimeInterval   time.Duration // flush interval, default 30s
	CountThreshold int           // distinct entries that force a flush
	Topic          string
	Publisher      Publisher
	// PublishTimeout bounds one batch delivery, default 10s.
	PublishTimeout time.Duration
}

// AggregatedLogEntry counts repeats of one log site. Entries are keyed by
// level, message, caller and instrument, so a failing instrument shows up as
// one entry per error site with the latest fields as a sample.
type AggregatedLogEntry struct {
	Level      string                 `json:"level"`
	Message    string                 `json:"message"`
	Instrument string                 `json:"instrument,omitempty"`
	Caller     string                 `json:"caller"`
	Sample     map[string]interface{} `json:"sample,omitempty"`
	Count      int                    `json:"count"`
	FirstSeen  time.Time              `json:"first_seen"`
	LastSeen   time.Time              `json:"last_seen"`
}

// LogBatch is the payload published on every flush.
type LogBatch struct {
	Host      string               `json:"host"`
	FlushedAt time.Time            `json:"flushed_at"`
	Entries   []AggregatedLogEntry `json:"entries"`
}

type LogCollector struct {
	config  *CollectionConfig
	host    string
	mu      sync.Mutex
	entries map[string]*AggregatedLogEntry
	stop    chan struct{}
	once    sync.Once
	// wg covers the flush loop and in-flight publishes.
	wg sync.WaitGroup
}

func NewLogCollector(config *CollectionConfig) *LogCollector {
	if config.TimeInterval <= 0 {
		config.TimeInterval = 30 * time.Second
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 10 * time.Second
	}
	host, _ := os.Hostname()
	c := &LogCollector{
		config:  config,
		host:    host,
		entries: make(map[string]*AggregatedLogEntry),
		stop:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

func (c *LogCollector) AddLog(level, message string, fields map[string]interface{}, caller string) {
	now := time.Now()
	inst, _ := fields["instrument"].(string)
	key := entryKey(level, message, caller, inst)

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.Count++
		e.LastSeen = now
		e.Sample = fields
	} else {
		c.entries[key] = &AggregatedLogEntry{
			Level:      level,
			Message:    message,
			Instrument: inst,
			Caller:     caller,
			Sample:     fields,
			Count:      1,
			FirstSeen:  now,
			LastSeen:   now,
		}
	}
	if c.config.CountThreshold > 0 && len(c.entries) >= c.config.CountThreshold {
		c.flushLocked()
	}
}

func entryKey(level, message, caller, instrument string) string {
	h := sha256.New()
	for _, s := range []string{level, message, caller, instrument} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Flush publishes whatever has been collected.
func (c *LogCollector) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *LogCollector) loop() {
	defer c.wg.Done()
	t := time.NewTicker(c.config.TimeInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.Flush()
		case <-c.stop:
			c.Flush()
			return
		}
	}
}

// flushLocked hands the current entries to a publishing goroutine. Callers
// hold mu.
func (c *LogCollector) flushLocked() {
	if len(c.entries) == 0 {
		return
	}
	batch := LogBatch{Host: c.host, FlushedAt: time.Now(), Entries: make([]AggregatedLogEntry, 0, len(c.entries))}
	for _, e := range c.entries {
		batch.Entries = append(batch.Entries, *e)
	}
	c.entries = make(map[string]*AggregatedLogEntry)
	if c.config.Publisher == nil {
		return
	}
	sort.Slice(batch.Entries, func(i, j int) bool { return batch.Entries[i].Count > batch.Entries[j].Count })

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.config.PublishTimeout)
		defer cancel()
		if err := c.config.Publisher.PublishMessage(ctx, c.config.Topic, batch); err != nil {
			// the logger itself may be what is failing
			fmt.Fprintf(os.Stderr, "failed to ship aggregated logs: %v\n", err)
		}
	}()
}

// Close flushes the remaining entries and waits for pending publishes.
func (c *LogCollector) Close() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}
