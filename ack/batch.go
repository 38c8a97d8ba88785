package ack

import (
	"context"
	"log/slog"
	"sync"
)

// BatchMemberCallback records a status for one record of a batch. Nothing is
// sent to the broker until the enclosing BatchCallback is acknowledged.
type BatchMemberCallback struct {
	inner *SingleCallback

	mu           sync.Mutex
	status       Status
	acknowledged bool
	noAutoAck    bool
}

func (m *BatchMemberCallback) sealed() {}

// Inner returns the callback that settles the member's record.
func (m *BatchMemberCallback) Inner() *SingleCallback {
	return m.inner
}

func (m *BatchMemberCallback) Acknowledge(_ context.Context, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	m.acknowledged = true
	return nil
}

func (m *BatchMemberCallback) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *BatchMemberCallback) IsAcknowledged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acknowledged
}

func (m *BatchMemberCallback) NoAutoAck() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noAutoAck = true
}

func (m *BatchMemberCallback) IsAutoAck() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.noAutoAck
}

func (m *BatchMemberCallback) acknowledgeInner(ctx context.Context, batch Status) error {
	return m.inner.Acknowledge(ctx, Max(m.Status(), batch))
}

// BatchCallback settles a batch. Each member is settled with the more severe
// of its own status and the batch status.
type BatchCallback struct {
	members []*BatchMemberCallback

	mu           sync.Mutex
	acknowledged bool
	noAutoAck    bool

	l *slog.Logger
}

func (b *BatchCallback) sealed() {}

func (b *BatchCallback) Members() []*BatchMemberCallback {
	return b.members
}

func (b *BatchCallback) Len() int {
	return len(b.members)
}

// Acknowledge settles every member, continuing past failures. The returned
// error is a *BatchError listing the members whose settlement failed.
func (b *BatchCallback) Acknowledge(ctx context.Context, status Status) error {
	b.mu.Lock()
	b.acknowledged = true
	b.mu.Unlock()

	var failed []MemberError
	for i, m := range b.members {
		if err := m.acknowledgeInner(ctx, status); err != nil {
			failed = append(failed, MemberError{
				Index:      i,
				DeliveryID: m.inner.rec.DeliveryID,
				Err:        err,
			})
		}
	}

	if len(failed) > 0 {
		b.l.Error("batch settlement incomplete", "status", status, "failed", len(failed), "size", len(b.members))
		return &BatchError{Members: failed}
	}
	return nil
}

func (b *BatchCallback) IsAcknowledged() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acknowledged
}

func (b *BatchCallback) NoAutoAck() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.noAutoAck = true
}

func (b *BatchCallback) IsAutoAck() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.noAutoAck
}
