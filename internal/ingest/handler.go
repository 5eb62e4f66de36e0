// Package ingest routes the messages arriving on a site's channel to the
// status aggregator, the threshold rules and command reconciliation.
package ingest

import (
	"context"
	"errors"
	"time"

	"minefleet/internal/data"
)

type Aggregator interface {
	ApplyReading(ctx context.Context, r data.Reading)
	ApplyError(ctx context.Context, siteID string, e data.ErrorMessage)
	ApplyStatusBatch(ctx context.Context, siteID string, batch []data.DeviceStatus)
}

type Checker interface {
	Check(ctx context.Context, r data.Reading) []data.Alert
}

type Reconciler interface {
	Reconcile(ctx context.Context, siteID, commandID string, status data.CommandStatus, errMsg string) error
}

var errHubOnly = errors.New("commands are not accepted from sites")

// Pipeline builds per-site handlers over shared collaborators.
type Pipeline struct {
	Status   Aggregator
	Rules    Checker
	Commands Reconciler
	// Timeout bounds the store and cache work done for one message.
	Timeout time.Duration
}

// ForSite returns the handler for messages from siteID.
func (p *Pipeline) ForSite(siteID string) data.Handler {
	return &siteHandler{p: p, siteID: siteID}
}

type siteHandler struct {
	p      *Pipeline
	siteID string
}

func (h *siteHandler) ctx() (context.Context, context.CancelFunc) {
	timeout := h.p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (h *siteHandler) HandleReading(m data.ReadingMessage) error {
	ctx, cancel := h.ctx()
	defer cancel()
	r := m.Reading(h.siteID)
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	h.p.Status.ApplyReading(ctx, r)
	if h.p.Rules != nil {
		h.p.Rules.Check(ctx, r)
	}
	return nil
}

func (h *siteHandler) HandleError(m data.ErrorMessage) error {
	ctx, cancel := h.ctx()
	defer cancel()
	h.p.Status.ApplyError(ctx, h.siteID, m)
	return nil
}

func (h *siteHandler) HandleStatus(m data.StatusMessage) error {
	ctx, cancel := h.ctx()
	defer cancel()
	h.p.Status.ApplyStatusBatch(ctx, h.siteID, m.Devices)
	return nil
}

func (h *siteHandler) HandleCommand(data.CommandMessage) error {
	return errHubOnly
}

func (h *siteHandler) HandleCommandComplete(m data.CommandCompleteMessage) error {
	ctx, cancel := h.ctx()
	defer cancel()
	return h.p.Commands.Reconcile(ctx, h.siteID, m.CommandID, data.CommandCompleted, "")
}

func (h *siteHandler) HandleCommandError(m data.CommandErrorMessage) error {
	ctx, cancel := h.ctx()
	defer cancel()
	return h.p.Commands.Reconcile(ctx, h.siteID, m.CommandID, data.CommandFailed, m.Error)
}
