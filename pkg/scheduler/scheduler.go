// Package scheduler fires configured messages at fixed local times. The tick
// loop evaluates every item once per second against a timezone-aware clock;
// a fired marker keyed by the item's content fingerprint and the current
// minute makes firing idempotent across ticks and config reloads.
package scheduler

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/mokny/meshbot/pkg/config"
)

const (
	tickInterval = time.Second
	firedTTL     = 2 * time.Minute
)

// Sender transmits one scheduled message. Implemented by radio connections.
type Sender interface {
	Send(text, destinationID string, channel int64) error
}

// SelectFunc resolves a node selector to a Sender, or nil when no usable
// connection exists for it.
type SelectFunc func(node string) Sender

// Scheduler owns the tick loop.
type Scheduler struct {
	cfg    *config.Configuration
	sel    SelectFunc
	log    *slog.Logger
	loc    *time.Location
	fired  *ttlcache.Cache[string, int64]
	stop   chan struct{}
	doneCh chan struct{}
}

// New builds a scheduler. An unknown timezone falls back to the local clock
// with a warning rather than refusing to start.
func New(cfg *config.Configuration, sel SelectFunc, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	loc, err := time.LoadLocation(cfg.Schedules.Timezone)
	if err != nil {
		log.Warn("unknown timezone, using local", "timezone", cfg.Schedules.Timezone, "error", err)
		loc = time.Local
	}
	fired := ttlcache.New[string, int64](
		ttlcache.WithTTL[string, int64](firedTTL),
	)
	go fired.Start()
	return &Scheduler{
		cfg:    cfg,
		sel:    sel,
		log:    log,
		loc:    loc,
		fired:  fired,
		stop:   make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Loop runs until Stop. Call in its own goroutine.
func (s *Scheduler) Loop() {
	defer close(s.doneCh)
	if !s.cfg.Schedules.Enabled || len(s.cfg.Schedules.Items) == 0 {
		<-s.stop
		return
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(time.Now())
		}
	}
}

// Stop halts the loop and the marker cache.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.doneCh
	s.fired.Stop()
}

// tick fires every item due at the given instant. The fired marker is set
// after the send attempt whether or not the send succeeded, so a failed
// send is not retried within the same minute.
func (s *Scheduler) tick(now time.Time) {
	local := now.In(s.loc)
	day := strings.ToLower(local.Format("Mon"))
	hhmm := local.Format("15:04")
	bucket := local.Unix() / 60

	for _, item := range s.cfg.Schedules.Items {
		if item.Time != hhmm {
			continue
		}
		if !dayMatches(item.Days, day) {
			continue
		}

		key := fireKey(item)
		if it := s.fired.Get(key); it != nil && it.Value() == bucket {
			continue
		}

		sender := s.sel(item.Node)
		if sender == nil {
			s.log.Warn("schedule skipped, no connection",
				"time", item.Time, "node", item.Node, "dest", item.DestinationID)
			s.fired.Set(key, bucket, ttlcache.DefaultTTL)
			continue
		}

		s.log.Info("schedule firing",
			"time", item.Time, "channel", item.Channel, "dest", item.DestinationID)
		if err := sender.Send(item.Text, item.DestinationID, item.Channel); err != nil {
			s.log.Error("schedule send error", "time", item.Time, "error", err)
		}
		s.fired.Set(key, bucket, ttlcache.DefaultTTL)
	}
}

// dayMatches treats an empty day list as every day.
func dayMatches(days []string, day string) bool {
	if len(days) == 0 {
		return true
	}
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

// fireKey fingerprints an item by content, so editing an item re-arms it and
// duplicate items still fire only once.
func fireKey(item config.ScheduleItem) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%s",
		item.Time, item.DestinationID, item.Channel, item.Text, item.Node)))
	return fmt.Sprintf("%s|%s|%x", item.Time, strings.Join(item.Days, ","), sum[:8])
}
