// Package events carries control-plane messages over an in-process
// watermill pub/sub: queued pipeline runs, pipeline status changes and
// applied actions.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"

	"github.com/resonancehq/control-plane/pkg/models"
)

// Topics.
const (
	TopicPipelineRun    = "pipeline.run"
	TopicPipelineEvents = "pipeline.events"
	TopicActionsApplied = "actions.applied"
)

// Metadata keys.
const (
	MetaKey       = "key"
	MetaWorkspace = "workspace_id"
)

// Bus wraps a GoChannel pub/sub. GoChannel delivers every message to every
// subscriber of a topic, and does not hand a subscriber its next message
// until the current one is acked.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// NewBus creates an in-memory bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		}, NewLogger()),
	}
}

// Publish JSON-encodes payload onto topic.
func (b *Bus) Publish(topic, key, workspaceID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewULID(), data)
	msg.Metadata.Set(MetaKey, key)
	msg.Metadata.Set(MetaWorkspace, workspaceID)
	return b.pubsub.Publish(topic, msg)
}

// Subscribe returns a channel of messages for topic that closes when ctx
// is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Close stops all subscriptions.
func (b *Bus) Close() error { return b.pubsub.Close() }

// ── Payloads ────────────────────────────────────────────────

// RunRequest asks a worker to drive a pipeline.
type RunRequest struct {
	PipelineID string `json:"pipeline_id"`
}

// PipelineEvent announces a pipeline status change.
type PipelineEvent struct {
	PipelineID  string                `json:"pipeline_id"`
	WorkspaceID string                `json:"workspace_id"`
	Status      models.PipelineStatus `json:"status"`
	Step        int                   `json:"step"`
	Role        string                `json:"role,omitempty"`
	Reason      string                `json:"reason,omitempty"`
	At          time.Time             `json:"at"`
}

// ActionApplied announces an approved standalone action.
type ActionApplied struct {
	Approval models.ApprovalRequest `json:"approval"`
	At       time.Time              `json:"at"`
}

// ── Applier ─────────────────────────────────────────────────

// Applier performs approved standalone actions by announcing them on
// TopicActionsApplied, where integrations pick them up.
type Applier struct {
	bus *Bus
}

// NewApplier creates an applier publishing on bus.
func NewApplier(bus *Bus) *Applier { return &Applier{bus: bus} }

func (a *Applier) Apply(ctx context.Context, req *models.ApprovalRequest) error {
	if err := a.bus.Publish(TopicActionsApplied, req.ID, req.WorkspaceID, ActionApplied{Approval: *req, At: time.Now().UTC()}); err != nil {
		return err
	}
	log.Info().
		Str("approval", req.ID).
		Str("action", string(req.ActionKind)).
		Str("entity", req.EntityType).
		Msg("✅ Approved action dispatched")
	return nil
}
