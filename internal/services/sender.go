package services

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"
)

type SendOutcome string

const (
	OutcomeDelivered SendOutcome = "delivered"
	OutcomeTransient SendOutcome = "transient"
	OutcomePermanent SendOutcome = "permanent"
)

// SendResult is the classified result of one delivery attempt.
type SendResult struct {
	Outcome    SendOutcome
	StatusCode int
	Err        error
}

func delivered(status int) SendResult {
	return SendResult{Outcome: OutcomeDelivered, StatusCode: status}
}

func transientFailure(status int, err error) SendResult {
	return SendResult{Outcome: OutcomeTransient, StatusCode: status, Err: &DeliveryError{Transient: true, StatusCode: status, Err: err}}
}

func permanentFailure(status int, err error) SendResult {
	return SendResult{Outcome: OutcomePermanent, StatusCode: status, Err: &DeliveryError{StatusCode: status, Err: err}}
}

// Target is the resolved destination of a delivery.
type Target struct {
	Channel string
	Address string // email address or webhook URL
}

// Sender delivers a rendered message over one channel and classifies the result.
type Sender interface {
	Channel() string
	Send(ctx context.Context, target Target, msg *AlertMessage) SendResult
}

// SenderRegistry maps channels to senders. It is built once at startup.
type SenderRegistry struct {
	senders map[string]Sender
}

// NewSenderRegistry fails when an enabled channel has no sender.
func NewSenderRegistry(enabled []string, senders ...Sender) (*SenderRegistry, error) {
	r := &SenderRegistry{senders: make(map[string]Sender, len(senders))}
	for _, s := range senders {
		r.senders[s.Channel()] = s
	}
	for _, ch := range enabled {
		if _, ok := r.senders[ch]; !ok {
			return nil, fmt.Errorf("channel %q is enabled but has no sender", ch)
		}
	}
	for ch := range r.senders {
		if !contains(enabled, ch) {
			delete(r.senders, ch)
		}
	}
	return r, nil
}

func (r *SenderRegistry) Get(channel string) (Sender, bool) {
	s, ok := r.senders[channel]
	return s, ok
}

func (r *SenderRegistry) Channels() []string {
	out := make([]string, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// NewWebhookHTTPClient returns the client shared by HTTP senders.
// Redirects are never followed, so a validated URL cannot bounce to an internal host.
func NewWebhookHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// classifyHTTPStatus maps a response status to an outcome: 2xx delivered,
// 408/429/5xx transient, everything else (including 3xx) permanent.
func classifyHTTPStatus(status int) SendOutcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeDelivered
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return OutcomeTransient
	default:
		return OutcomePermanent
	}
}

// classifyTransportError handles a request that produced no response.
// DNS failures, refused connections and timeouts may all clear up, so they are transient.
func classifyTransportError(err error) SendResult {
	return transientFailure(0, err)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
