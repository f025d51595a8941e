package report

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/exitguard/internal/domain"
	"github.com/alanyoungcy/exitguard/internal/journal"
	"github.com/alanyoungcy/exitguard/internal/notify"
)

// Channel and stream names used on the signal bus.
const (
	ExitChannel = "exits"
	ExitStream  = "exits"
)

// NotifySink forwards events to chat channels.
type NotifySink struct {
	n *notify.Notifier
}

// NewNotifySink wraps a notifier.
func NewNotifySink(n *notify.Notifier) *NotifySink { return &NotifySink{n: n} }

func (s *NotifySink) Name() string { return "notify" }

func (s *NotifySink) Handle(ctx context.Context, ev domain.ExitEvent) error {
	return s.n.NotifyExit(ctx, ev)
}

// StoreSink persists every event and mirrors lifecycle and anomaly events
// into the audit log.
type StoreSink struct {
	events domain.ExitEventStore
	audit  domain.AuditStore
}

// NewStoreSink creates a StoreSink. audit may be nil.
func NewStoreSink(events domain.ExitEventStore, audit domain.AuditStore) *StoreSink {
	return &StoreSink{events: events, audit: audit}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Handle(ctx context.Context, ev domain.ExitEvent) error {
	if err := s.events.Insert(ctx, ev); err != nil {
		return err
	}
	if s.audit == nil || !audited(ev.Kind) {
		return nil
	}
	return s.audit.Log(ctx, "exit."+string(ev.Kind), map[string]any{
		"event_id":    ev.ID,
		"position_id": ev.PositionID,
		"instrument":  ev.Instrument,
		"dry_run":     ev.DryRun,
		"message":     ev.Message,
	})
}

func audited(k domain.ExitEventKind) bool {
	switch k {
	case domain.ExitEventStarted, domain.ExitEventStopped, domain.ExitEventAnomaly:
		return true
	}
	return false
}

// BusSink publishes events as JSON on the signal bus and appends them to a
// bounded stream for replay.
type BusSink struct {
	bus domain.SignalBus
}

// NewBusSink creates a BusSink.
func NewBusSink(bus domain.SignalBus) *BusSink { return &BusSink{bus: bus} }

func (s *BusSink) Name() string { return "bus" }

func (s *BusSink) Handle(ctx context.Context, ev domain.ExitEvent) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, ExitChannel, payload); err != nil {
		return err
	}
	return s.bus.StreamAppend(ctx, ExitStream, payload)
}

// JournalSink appends events to the daily journal.
type JournalSink struct {
	j *journal.Journal
}

// NewJournalSink wraps a journal.
func NewJournalSink(j *journal.Journal) *JournalSink { return &JournalSink{j: j} }

func (s *JournalSink) Name() string { return "journal" }

func (s *JournalSink) Handle(_ context.Context, ev domain.ExitEvent) error {
	return s.j.Write(ev)
}

// Broadcaster pushes a payload to websocket clients subscribed to channel.
type Broadcaster interface {
	Broadcast(channel string, data []byte)
}

// HubSink sends events straight to websocket clients. It is used when no
// Redis bus carries them there.
type HubSink struct {
	hub Broadcaster
}

// NewHubSink creates a HubSink.
func NewHubSink(hub Broadcaster) *HubSink { return &HubSink{hub: hub} }

func (s *HubSink) Name() string { return "ws" }

func (s *HubSink) Handle(_ context.Context, ev domain.ExitEvent) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	s.hub.Broadcast(ExitChannel, payload)
	return nil
}

// envelope is the wire shape shared by the bus and websocket clients.
type envelope struct {
	Type    string           `json:"type"`
	Payload domain.ExitEvent `json:"payload"`
}

// EncodeEvent renders ev in the {"type":..., "payload":...} envelope.
func EncodeEvent(ev domain.ExitEvent) ([]byte, error) {
	b, err := json.Marshal(envelope{Type: "exit_event", Payload: ev})
	if err != nil {
		return nil, fmt.Errorf("report: encode %s: %w", ev.Kind, err)
	}
	return b, nil
}

var (
	_ Sink = (*NotifySink)(nil)
	_ Sink = (*StoreSink)(nil)
	_ Sink = (*BusSink)(nil)
	_ Sink = (*JournalSink)(nil)
	_ Sink = (*HubSink)(nil)
)
