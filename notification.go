package dramanotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/growdelan/dramanotify/pkg/episodeevent"
)

// NotificationOption contains configuration for episode notification delivery.
//
// Supported notification types:
//   - "smtp": Sends one summary email per user per run (default)
//   - "file": Writes event details to a local NDJSON file (development)
//   - "eventbridge": Sends one event per new episode to Amazon EventBridge
type NotificationOption struct {
	Type      string `help:"notification type" default:"smtp" enum:"smtp,file,eventbridge" env:"DRAMANOTIFY_NOTIFICATION_TYPE"`
	EventBus  string `help:"event bus name (eventbridge type only)" default:"default" env:"DRAMANOTIFY_EVENTBRIDGE_EVENT_BUS"`
	EventFile string `help:"event file path (file type only)" default:"dramanotify.json" env:"DRAMANOTIFY_EVENT_FILE"`

	SMTP SMTPOption `embed:"" prefix:"smtp-"`
}

// Notification delivers the newly observed episodes for one user. An empty
// details slice is the "no new episodes" status notification, sent only when
// the user sets always_send.
type Notification interface {
	SendEpisodes(ctx context.Context, cfg *UserConfig, details []*episodeevent.Detail) error
}

// NewNotification creates a Notification implementation based on the
// configuration type.
func NewNotification(ctx context.Context, cfg NotificationOption) (Notification, error) {
	switch cfg.Type {
	case "smtp":
		return NewSMTPNotification(ctx, cfg.SMTP)
	case "file":
		return NewFileNotification(ctx, cfg)
	case "eventbridge":
		return NewEventBridgeNotification(ctx, cfg)
	}
	return nil, errors.New("unknown notification type")
}

// EventBridgeClient is the interface for Amazon EventBridge operations.
// This is satisfied by *eventbridge.Client.
type EventBridgeClient interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeNotification sends each new episode as a separate event with
// detail-type "Episode Added". The empty status notification produces no
// events.
type EventBridgeNotification struct {
	client   EventBridgeClient
	eventBus string
}

// NewEventBridgeNotification creates a new EventBridge-based notification sender.
func NewEventBridgeNotification(ctx context.Context, cfg NotificationOption) (*EventBridgeNotification, error) {
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &EventBridgeNotification{
		client:   eventbridge.NewFromConfig(awsCfg),
		eventBus: cfg.EventBus,
	}, nil
}

func (n *EventBridgeNotification) SendEpisodes(ctx context.Context, cfg *UserConfig, details []*episodeevent.Detail) error {
	if len(details) == 0 {
		slog.DebugContext(ctx, "no episodes, skip put events", "user", cfg.StateKey())
		return nil
	}
	source := fmt.Sprintf("oss.dramanotify/%s", cfg.StateKey())
	convertor := func(d *episodeevent.Detail) types.PutEventsRequestEntry {
		bs, err := json.Marshal(d)
		if err != nil {
			slog.WarnContext(ctx, "detail marshal failed", "error", err)
			bs = []byte("{}")
		}
		detail := string(bs)
		slog.DebugContext(ctx, "event", "source", source, "detail-type", episodeevent.DetailTypeEpisodeAdded, "detail", detail)
		return types.PutEventsRequestEntry{
			EventBusName: aws.String(n.eventBus),
			Resources:    []string{},
			Source:       aws.String(source),
			DetailType:   aws.String(episodeevent.DetailTypeEpisodeAdded),
			Time:         aws.Time(d.ObservedAt),
			Detail:       aws.String(detail),
		}
	}
	var lastErr error
	for entries := range slices.Chunk(Map(details, convertor), 10) {
		output, err := n.client.PutEvents(ctx, &eventbridge.PutEventsInput{
			Entries: entries,
		})
		if err != nil {
			slog.ErrorContext(ctx, "PutEvents failed", "error", err)
			lastErr = err
			continue
		}
		for i, entry := range output.Entries {
			if entry.ErrorCode != nil {
				slog.ErrorContext(ctx, "put event error", "event_bus", n.eventBus, "error_code", *entry.ErrorCode, "error_message", *entry.ErrorMessage, "detail", *entries[i].Detail)
				lastErr = fmt.Errorf("put events failed error_code=%s, error_message=%s", *entry.ErrorCode, *entry.ErrorMessage)
				continue
			}
			if entry.EventId != nil {
				slog.InfoContext(ctx, "put event", "event_bus", n.eventBus, "event_id", *entry.EventId)
			}
		}
	}
	return lastErr
}

// FileNotification appends event details to a local file as NDJSON. The
// empty status notification writes nothing.
type FileNotification struct {
	eventFile string
}

// NewFileNotification creates a new file-based notification writer.
func NewFileNotification(_ context.Context, cfg NotificationOption) (*FileNotification, error) {
	return &FileNotification{
		eventFile: cfg.EventFile,
	}, nil
}

func (n *FileNotification) SendEpisodes(ctx context.Context, cfg *UserConfig, details []*episodeevent.Detail) error {
	if len(details) == 0 {
		slog.DebugContext(ctx, "no episodes, skip event file write", "user", cfg.StateKey())
		return nil
	}
	fp, err := os.OpenFile(n.eventFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		slog.DebugContext(ctx, "can not create notification event file", "event_file", n.eventFile, "error", err)
		return err
	}
	defer fp.Close()
	encoder := json.NewEncoder(fp)
	slog.InfoContext(ctx, "output episode events", "event_file", n.eventFile, "episodes", len(details))
	var lastErr error
	for _, d := range details {
		slog.DebugContext(ctx, "output episode event",
			"user", coalesce(d.User, "-"),
			"episode_key", coalesce(d.Episode.Key, "-"),
		)
		if err := encoder.Encode(d); err != nil {
			lastErr = err
			slog.WarnContext(ctx, "FileNotification.SendEpisodes", "error", err)
		}
	}
	return lastErr
}

func coalesce(strs ...string) string {
	for _, str := range strs {
		if str != "" {
			return str
		}
	}
	return ""
}
