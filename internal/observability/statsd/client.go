// Package statsd emits DogStatsD-style metrics over UDP.
package statsd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sink is the metric surface used by the job services. Implementations must
// be safe for concurrent use.
type Sink interface {
	Count(name string, value int64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, value time.Duration, tags map[string]string)
}

const (
	// DefaultMaxPacketSize keeps a datagram inside a typical 1500 byte MTU.
	DefaultMaxPacketSize = 1432
	// DefaultFlushInterval bounds how long a line waits in the buffer.
	DefaultFlushInterval = time.Second
)

// Config describes the StatsD endpoint and batching.
type Config struct {
	Address string
	// Prefix is joined to every metric name with a dot.
	Prefix string
	// Tags are attached to every line; per-call tags win on conflict.
	Tags          map[string]string
	MaxPacketSize int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Client batches metric lines into datagrams of at most MaxPacketSize bytes.
// A background loop flushes partial packets every FlushInterval.
type Client struct {
	prefix    string
	tags      map[string]string
	maxPacket int
	logger    *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	buf    bytes.Buffer
	closed bool

	stop chan struct{}
	done chan struct{}
}

var _ Sink = (*Client)(nil)

// NewClient dials addr and starts the flush loop.
func NewClient(cfg Config) (*Client, error) {
	addr := strings.TrimSpace(cfg.Address)
	if addr == "" {
		return nil, errors.New("statsd address is required")
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("statsd dial %s: %w", addr, err)
	}
	return newClient(conn, cfg), nil
}

func newClient(conn net.Conn, cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxPacket := cfg.MaxPacketSize
	if maxPacket <= 0 {
		maxPacket = DefaultMaxPacketSize
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	c := &Client{
		prefix:    strings.Trim(strings.TrimSpace(cfg.Prefix), "."),
		tags:      cleanTags(cfg.Tags),
		maxPacket: maxPacket,
		logger:    logger.With("component", "statsd"),
		conn:      conn,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.flushLoop(interval)
	return c
}

// Count adds value to a counter.
func (c *Client) Count(name string, value int64, tags map[string]string) {
	c.emit(name, strconv.FormatInt(value, 10), "c", tags)
}

// Gauge sets a gauge.
func (c *Client) Gauge(name string, value float64, tags map[string]string) {
	c.emit(name, strconv.FormatFloat(value, 'f', -1, 64), "g", tags)
}

// Timing records a duration in milliseconds.
func (c *Client) Timing(name string, value time.Duration, tags map[string]string) {
	ms := float64(value) / float64(time.Millisecond)
	c.emit(name, strconv.FormatFloat(ms, 'f', -1, 64), "ms", tags)
}

// Flush sends any buffered lines immediately.
func (c *Client) Flush() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

// Close flushes pending lines, stops the flush loop and closes the socket.
// It is safe to call more than once and on a nil client.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	flushErr := c.flushLocked()
	c.mu.Unlock()

	close(c.stop)
	<-c.done
	return errors.Join(flushErr, c.conn.Close())
}

func (c *Client) emit(name, value, kind string, tags map[string]string) {
	if c == nil {
		return
	}
	metric := metricName(c.prefix, name)
	if metric == "" {
		return
	}
	line := metric + ":" + value + "|" + kind + formatTags(c.tags, tags)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.buf.Len() > 0 && c.buf.Len()+1+len(line) > c.maxPacket {
		c.logWriteErr(c.flushLocked())
	}
	if c.buf.Len() > 0 {
		c.buf.WriteByte('\n')
	}
	c.buf.WriteString(line)
	if c.buf.Len() >= c.maxPacket {
		c.logWriteErr(c.flushLocked())
	}
}

func (c *Client) flushLocked() error {
	if c.buf.Len() == 0 {
		return nil
	}
	_, err := c.conn.Write(c.buf.Bytes())
	c.buf.Reset()
	return err
}

func (c *Client) flushLoop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.logWriteErr(c.Flush())
		}
	}
}

// UDP writes fail when nothing listens; metrics are best effort.
func (c *Client) logWriteErr(err error) {
	if err != nil {
		c.logger.Debug("statsd write failed", "error", err)
	}
}

var nameReplacer = strings.NewReplacer(" ", "_", "/", "_", ":", "_", "|", "_", "@", "_")

// metricName applies the prefix and strips characters that break the line
// protocol.
func metricName(prefix, name string) string {
	n := nameReplacer.Replace(strings.TrimSpace(name))
	parts := slices.DeleteFunc(strings.Split(n, "."), func(s string) bool { return s == "" })
	if len(parts) == 0 {
		return ""
	}
	n = strings.Join(parts, ".")
	if prefix == "" {
		return n
	}
	return prefix + "." + n
}

func formatTags(global, local map[string]string) string {
	if len(global) == 0 && len(local) == 0 {
		return ""
	}
	merged := maps.Clone(global)
	if merged == nil {
		merged = make(map[string]string, len(local))
	}
	maps.Copy(merged, cleanTags(local))
	if len(merged) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("|#")
	for i, k := range slices.Sorted(maps.Keys(merged)) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(merged[k])
	}
	return b.String()
}

// cleanTags trims keys and values and drops empty keys.
func cleanTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if key := strings.TrimSpace(k); key != "" {
			out[key] = strings.TrimSpace(v)
		}
	}
	return out
}
