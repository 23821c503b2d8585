// Package webhook forwards inbound text messages to an external HTTP
// endpoint. Delivery is fire and forget: failures are logged and dropped,
// never retried, and never block the dispatcher.
package webhook

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// NodeInfo identifies the radio connection a message arrived on.
type NodeInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Name string `json:"name"`
}

// Payload is the JSON body posted for each inbound text message.
type Payload struct {
	Timestamp   string         `json:"timestamp"`
	Node        NodeInfo       `json:"node"`
	FromID      string         `json:"fromId"`
	ToID        string         `json:"toId"`
	Channel     int64          `json:"channel"`
	ChannelName string         `json:"channelName"`
	Text        string         `json:"text"`
	Raw         map[string]any `json:"raw"`
}

// Sink posts payloads to one configured URL.
type Sink struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

// New builds a sink. A zero timeout defaults to five seconds.
func New(url string, timeout time.Duration, log *slog.Logger) *Sink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sink{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Deliver posts the payload. Errors are swallowed after logging.
func (s *Sink) Deliver(p Payload) {
	if p.Timestamp == "" {
		p.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(p)
	if err != nil {
		s.log.Error("webhook marshal error", "error", err)
		return
	}
	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(body))
	if err != nil {
		s.log.Warn("webhook delivery failed", "url", s.url, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.log.Warn("webhook rejected", "url", s.url, "status", resp.StatusCode)
	}
}
