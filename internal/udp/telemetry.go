package udp

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"thirdeye/internal/fusion"
)

type payloadSender interface {
	Send(payload []byte) error
	Close() error
}

// TelemetrySender ships telemetry records as JSON datagrams from its own
// goroutine. Send never blocks: when the queue is full the record is dropped.
type TelemetrySender struct {
	out   payloadSender
	queue chan fusion.Telemetry

	sent    atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64

	mu      sync.Mutex
	lastErr string

	closeOnce sync.Once
	done      chan struct{}
}

type TelemetryStats struct {
	Dest      string `json:"dest"`
	Sent      uint64 `json:"sent"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
	LastError string `json:"last_error,omitempty"`
}

// NewTelemetrySender dials dest and starts the send goroutine.
func NewTelemetrySender(dest string, queueSize int) (*TelemetrySender, error) {
	b, err := NewBroadcaster(dest)
	if err != nil {
		return nil, err
	}
	return newTelemetrySender(b, queueSize), nil
}

func newTelemetrySender(out payloadSender, queueSize int) *TelemetrySender {
	if queueSize <= 0 {
		queueSize = 4
	}
	s := &TelemetrySender{
		out:   out,
		queue: make(chan fusion.Telemetry, queueSize),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Send implements fusion.TelemetrySink.
func (s *TelemetrySender) Send(t fusion.Telemetry) {
	select {
	case s.queue <- t:
	default:
		s.dropped.Add(1)
	}
}

func (s *TelemetrySender) run() {
	defer close(s.done)
	errLogged := false
	for t := range s.queue {
		payload, err := json.Marshal(t)
		if err == nil {
			err = s.out.Send(payload)
		}
		if err != nil {
			s.errors.Add(1)
			s.mu.Lock()
			s.lastErr = err.Error()
			s.mu.Unlock()
			// Log once per failure streak.
			if !errLogged {
				log.Printf("telemetry send failed: %v", err)
				errLogged = true
			}
			continue
		}
		if errLogged {
			log.Printf("telemetry send recovered")
			errLogged = false
		}
		s.sent.Add(1)
	}
}

func (s *TelemetrySender) Stats() TelemetryStats {
	st := TelemetryStats{
		Sent:    s.sent.Load(),
		Dropped: s.dropped.Load(),
		Errors:  s.errors.Load(),
	}
	if b, ok := s.out.(*Broadcaster); ok {
		st.Dest = b.Dest()
	}
	s.mu.Lock()
	st.LastError = s.lastErr
	s.mu.Unlock()
	return st
}

// Close drains queued records and closes the socket. Send must not be
// called after Close.
func (s *TelemetrySender) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.queue)
		<-s.done
		err = s.out.Close()
	})
	return err
}
