package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/vulnscope/internal/broadcast"
)

// ProgressHandler streams scan progress as server-sent events. The first
// event carries the active scans, every following one a single update.
func (s *Server) ProgressHandler(c fiber.Ctx, _ string) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	snapshot, sub := s.svc.Broadcaster.Subscribe()
	c.Status(fiber.StatusOK).Response().SetBodyStreamWriter(func(w *bufio.Writer) {
		if err := s.serveProgress(w, snapshot, sub); err != nil {
			logrus.Debugf("Progress stream closed: %v", err)
		}
	})
	return nil
}

// serveProgress relays a subscription to w and drops it once the stream
// ends. A gone client is only noticed on the next write, so with the
// heartbeat disabled it stays subscribed until the next event.
func (s *Server) serveProgress(w flushWriter, snapshot []broadcast.Event, sub *broadcast.Subscription) error {
	defer sub.Unsubscribe()
	return streamProgress(w, snapshot, sub.Events(), s.cfg.SSEHeartbeat, s.done)
}

type flushWriter interface {
	io.Writer
	Flush() error
}

// streamProgress writes the snapshot and then relays events until the
// channel closes, done is closed or a write fails
func streamProgress(w flushWriter, snapshot []broadcast.Event, events <-chan broadcast.Event, heartbeat time.Duration, done <-chan struct{}) error {
	if snapshot == nil {
		snapshot = []broadcast.Event{}
	}
	if err := writeEvent(w, snapshot); err != nil {
		return err
	}

	var tick <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-done:
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(w, e); err != nil {
				return err
			}
		case <-tick:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
}

func writeEvent(w flushWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}
