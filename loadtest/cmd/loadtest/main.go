// Command loadtest drives the chat server with simulated users. Every user
// connects with a distinct login, subscribes to the public topic and its own
// private queue, requests an online-users snapshot, and then sends chat
// messages into a room and periodic state updates for the run duration.
//
// The room named by -room must exist with the loadtest logins as members for
// chat fanout to reach anyone; without it the run still exercises presence
// broadcasts and snapshots.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/blutbaden/chat/loadtest/client"
	"github.com/blutbaden/chat/loadtest/stats"
)

func main() {
	var (
		addr     = flag.String("addr", "localhost:8080", "server host:port")
		users    = flag.Int("users", 50, "number of concurrent simulated users")
		duration = flag.Duration("duration", 30*time.Second, "run duration after ramp-up")
		room     = flag.String("room", "", "room id to send chat messages into (empty = presence only)")
		rate     = flag.Duration("rate", 2*time.Second, "mean delay between sends per user")
		scrape   = flag.Bool("scrape", true, "scrape server /metrics during the run")
	)
	flag.Parse()

	collector := stats.NewCollector()
	if *scrape {
		scraper := stats.NewScraper(fmt.Sprintf("http://%s/metrics", *addr), 5*time.Second)
		scraper.Start(context.Background())
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration+time.Minute)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < *users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runUser(ctx, *addr, fmt.Sprintf("loadtest-%d", i), *room, *rate, *duration, collector)
		}(i)
		// Stagger connects so the ramp-up itself is not the bottleneck.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	collector.Report()
	if collector.ErrorCount() > collector.ConnectionCount()/10 {
		os.Exit(1)
	}
}

// runUser drives one simulated user for the whole run.
func runUser(ctx context.Context, addr, login, room string, rate, duration time.Duration, collector *stats.Collector) {
	url := fmt.Sprintf("ws://%s/ws?login=%s", addr, login)
	c, err := client.New(ctx, url, login)
	if err != nil {
		collector.AddError()
		return
	}
	defer c.Close()
	collector.AddConnect(c.GetMetrics().ConnectLatency)

	snapshotAt := time.Now()
	snapshotOnce := sync.Once{}
	c.On(client.TopicPublic, func(client.ServerFrame) {
		collector.AddBroadcast()
	})
	c.On(client.UserQueue(login), func(client.ServerFrame) {
		snapshotOnce.Do(func() {
			collector.AddSnapshotLatency(time.Since(snapshotAt))
		})
		collector.AddDelivery()
	})

	if err := c.Subscribe(client.TopicPublic); err != nil {
		collector.AddError()
		return
	}
	// Subscribing to the own queue triggers the ONLINE_USERS snapshot.
	snapshotAt = time.Now()
	if err := c.Subscribe(client.UserQueue(login)); err != nil {
		collector.AddError()
		return
	}

	states := []string{"ONLINE", "AWAY", "BUSY"}
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(rate/2 + time.Duration(rand.Int63n(int64(rate)))):
		}

		var err error
		if room != "" && rand.Intn(3) > 0 {
			err = c.SendChat(room, fmt.Sprintf("load message from %s", login))
		} else {
			err = c.UpdateState(states[rand.Intn(len(states))])
		}
		if err != nil {
			collector.AddError()
			return
		}
	}
}
