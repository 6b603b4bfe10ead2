// Package escalation implements the durable point-to-point message channel
// that carries conflict reports, preflight results, and escalation
// requests between agents (component H).
package escalation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codeready-toolchain/maf/internal/clock"
	"github.com/codeready-toolchain/maf/internal/mafmodel"
	"github.com/codeready-toolchain/maf/internal/store"
)

// Envelope kinds, per §4.H.
const (
	KindPreflightCheck      = "PREFLIGHT_CHECK"
	KindPreflightResult     = "PREFLIGHT_RESULT"
	KindReservationConflict = "RESERVATION_CONFLICT"
	KindEscalationRequest   = "ESCALATION_REQUEST"
	KindEscalationResponse  = "ESCALATION_RESPONSE"
)

// Bootstrap channels that MUST be registered at startup (§6.2). Debug and
// review are configurable names; these are the defaults.
const (
	ChannelAgentMail = "agent-mail"
	ChannelDebug     = "debug"
	ChannelReview    = "review"
)

// ReservationConflictPayload is the RESERVATION_CONFLICT envelope body.
type ReservationConflictPayload struct {
	FilePath       string              `json:"file_path"`
	ConflictType   mafmodel.ConflictType `json:"conflict_type"`
	Severity       mafmodel.ConflictSeverity `json:"severity"`
	ExistingAgent  string              `json:"existing_agent"`
	RequestedAgent string              `json:"requested_agent"`
	ExpiresAt      *string             `json:"expires_at,omitempty"`
}

// EscalationRequestPayload is the ESCALATION_REQUEST envelope body.
type EscalationRequestPayload struct {
	ExecutionID string `json:"execution_id"`
	PathID      string `json:"path_id"`
	Level       string `json:"level"`
	Context     string `json:"context"`
	Reason      string `json:"reason"`
	Priority    int    `json:"priority"`
}

// PreflightResultPayload is the PREFLIGHT_RESULT envelope body.
type PreflightResultPayload struct {
	ExecutionID string `json:"execution_id"`
	ConfigID    string `json:"config_id"`
	Status      string `json:"status"` // passed | warnings | failed
	Summary     string `json:"summary"`
	DurationMS  int64  `json:"duration_ms"`
}

// Channel is the Escalation Channel component.
type Channel struct {
	store store.Store
	clock clock.Clock
}

// New returns a Channel backed by s.
func New(s store.Store, clk clock.Clock) *Channel {
	return &Channel{store: s, clock: clk}
}

// Bootstrap registers the channels that must exist at startup, per §6.2.
// Registration is idempotent.
func (c *Channel) Bootstrap(ctx context.Context, debugChannel, reviewChannel string) error {
	if debugChannel == "" {
		debugChannel = ChannelDebug
	}
	if reviewChannel == "" {
		reviewChannel = ChannelReview
	}
	for _, name := range []string{ChannelAgentMail, debugChannel, reviewChannel} {
		if err := c.store.RegisterChannel(ctx, name); err != nil {
			return fmt.Errorf("register channel %s: %w", name, err)
		}
	}
	return nil
}

// Register creates an additional channel by configuration (§6.2).
func (c *Channel) Register(ctx context.Context, name string) error {
	return c.store.RegisterChannel(ctx, name)
}

// Send persists envelope on channel, failing with ErrUnknownChannel if the
// channel was never registered.
func (c *Channel) Send(ctx context.Context, channel, kind, fromAgent string, payload interface{}) (string, error) {
	exists, err := c.store.ChannelExists(ctx, channel)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", mafmodel.ErrUnknownChannel, channel)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: marshal payload: %v", mafmodel.ErrInvalidArgument, err)
	}
	return c.store.SendEnvelope(ctx, store.Envelope{
		Kind:      kind,
		FromAgent: fromAgent,
		ToChannel: channel,
		CreatedAt: c.clock.Now(),
		Payload:   data,
	})
}

// Fetch returns unread messages on channel, FIFO by arrival. Marking them
// read is the caller's responsibility, per §4.H.
func (c *Channel) Fetch(ctx context.Context, channel, sinceID string, limit int) ([]store.Envelope, error) {
	return c.store.FetchEnvelopes(ctx, channel, sinceID, limit)
}

// MarkRead idempotently marks a message as read.
func (c *Channel) MarkRead(ctx context.Context, channel, messageID string) error {
	return c.store.MarkEnvelopeRead(ctx, channel, messageID)
}
