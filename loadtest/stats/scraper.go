// Package stats — scraper.go periodically fetches the server's Prometheus
// metrics during a load test and records snapshots for post-test reporting.
package stats

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// metricSnapshot holds the tracked server metrics at a point in time.
type metricSnapshot struct {
	timestamp     time.Time
	connections   float64
	onlineUsers   float64
	notifications float64
	conversations float64
	// histogram _sum and _count for computing the average fanout latency
	fanoutSum   float64
	fanoutCount float64
}

// Scraper periodically fetches Prometheus metrics from the chat server.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper that fetches metricsURL at the given interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start begins scraping in the background. It takes an initial snapshot
// immediately and then scrapes at the configured interval until the context
// is cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				// Final snapshot before exiting.
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop cancels the background scrape loop and waits for it to finish.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// scrapeOnce fetches the metrics endpoint and records one snapshot.
func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	snap := metricSnapshot{timestamp: time.Now()}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		switch {
		case name == "chat_connections_total":
			snap.connections = value
		case name == "chat_online_users":
			snap.onlineUsers = value
		case strings.HasPrefix(name, "chat_notifications_total"):
			// Sum across the type label.
			snap.notifications += value
		case name == "chat_conversations_persisted_total":
			snap.conversations = value
		case name == "chat_fanout_latency_seconds_sum":
			snap.fanoutSum = value
		case name == "chat_fanout_latency_seconds_count":
			snap.fanoutCount = value
		}
	}

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

// parseMetricLine splits a Prometheus text-format sample into its full name
// (including labels) and value.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	idx := strings.LastIndexByte(line, ' ')
	if idx < 0 {
		return "", 0, false
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(line[idx+1:]), 64)
	if err != nil {
		return "", 0, false
	}
	return line[:idx], value, true
}

// Report prints the first and last snapshots plus derived deltas.
func (s *Scraper) Report() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.snapshots) < 2 {
		return
	}
	first := s.snapshots[0]
	last := s.snapshots[len(s.snapshots)-1]

	fmt.Println("\n--- Server Metrics ---")
	fmt.Printf("Connections:            %.0f -> %.0f\n", first.connections, last.connections)
	fmt.Printf("Online users:           %.0f -> %.0f\n", first.onlineUsers, last.onlineUsers)
	fmt.Printf("Notifications sent:     +%.0f\n", last.notifications-first.notifications)
	fmt.Printf("Conversations recorded: +%.0f\n", last.conversations-first.conversations)

	if dc := last.fanoutCount - first.fanoutCount; dc > 0 {
		avg := (last.fanoutSum - first.fanoutSum) / dc
		fmt.Printf("Avg fanout latency:     %.2fms (%.0f fanouts)\n", avg*1000, dc)
	}
}
