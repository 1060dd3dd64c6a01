package notification

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type Notifier interface {
	Notify(ctx context.Context, notifications []model.Notification) error
}

// EncodeNotification renders a notification as a protobuf Struct payload.
func EncodeNotification(notification model.Notification) ([]byte, error) {
	payload, err := structpb.NewStruct(map[string]interface{}{
		"id":        notification.ID,
		"namespace": notification.Namespace,
		"type":      notification.Type,
		"status":    notification.Status,
		"epoch":     notification.Version.Epoch.String(),
		"major":     notification.Version.Major,
		"minor":     notification.Version.Minor,
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(payload)
}

func DecodeNotification(payload []byte) (model.Notification, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(payload, &s); err != nil {
		return model.Notification{}, err
	}
	fields := s.GetFields()
	epoch, err := types.Parse(fields["epoch"].GetStringValue())
	if err != nil {
		return model.Notification{}, fmt.Errorf("notification epoch: %w", err)
	}
	return model.Notification{
		ID:        int64(fields["id"].GetNumberValue()),
		Namespace: fields["namespace"].GetStringValue(),
		Type:      fields["type"].GetStringValue(),
		Status:    fields["status"].GetStringValue(),
		Version: model.NewChunkVersion(epoch,
			uint32(fields["major"].GetNumberValue()),
			uint32(fields["minor"].GetNumberValue())),
	}, nil
}

type PulsarNotifier struct {
	producer pulsar.Producer
}

var _ Notifier = &PulsarNotifier{}

func NewPulsarNotifier(producer pulsar.Producer) *PulsarNotifier {
	return &PulsarNotifier{
		producer: producer,
	}
}

func (p *PulsarNotifier) Notify(ctx context.Context, notifications []model.Notification) error {
	for _, notification := range notifications {
		payload, err := EncodeNotification(notification)
		if err != nil {
			log.Error("Failed to marshal notification", zap.Error(err))
			return err
		}
		message := &pulsar.ProducerMessage{
			Key:     notification.Namespace,
			Payload: payload,
		}
		// Sent one at a time so that subscribers keyed on the namespace see
		// notifications in version order.
		_, err = p.producer.Send(ctx, message)
		if err != nil {
			log.Error("Failed to send message", zap.Error(err))
			return err
		}
		log.Info("Published notification", zap.String("namespace", notification.Namespace), zap.String("type", notification.Type))
	}
	return nil
}

type MemoryNotifier struct {
	mu    sync.Mutex
	queue []pulsar.ProducerMessage
}

var _ Notifier = &MemoryNotifier{}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{
		queue: make([]pulsar.ProducerMessage, 0),
	}
}

func (m *MemoryNotifier) Notify(ctx context.Context, notifications []model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, notification := range notifications {
		payload, err := EncodeNotification(notification)
		if err != nil {
			log.Error("Failed to marshal notification", zap.Error(err))
			return err
		}
		m.queue = append(m.queue, pulsar.ProducerMessage{
			Key:     notification.Namespace,
			Payload: payload,
		})
	}
	return nil
}

// Messages returns a copy of everything published so far.
func (m *MemoryNotifier) Messages() []pulsar.ProducerMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pulsar.ProducerMessage(nil), m.queue...)
}

// Invalidator is the part of a routing cache that reacts to catalog changes.
type Invalidator interface {
	// MarkStaleFor records that the namespace has reached at least version.
	MarkStaleFor(namespace string, version model.CollectionVersion)
	// Invalidate drops everything cached for the namespace.
	Invalidate(namespace string)
}

// CacheNotifier applies notifications to an in-process routing cache.
type CacheNotifier struct {
	invalidator Invalidator
}

var _ Notifier = &CacheNotifier{}

func NewCacheNotifier(invalidator Invalidator) *CacheNotifier {
	return &CacheNotifier{invalidator: invalidator}
}

func (c *CacheNotifier) Notify(ctx context.Context, notifications []model.Notification) error {
	for _, notification := range notifications {
		switch notification.Type {
		case model.NotificationTypeDropCollection, model.NotificationTypeRefineShardKey:
			c.invalidator.Invalidate(notification.Namespace)
		default:
			c.invalidator.MarkStaleFor(notification.Namespace, notification.Version)
		}
	}
	return nil
}

// MultiNotifier fans notifications out to several notifiers in order.
type MultiNotifier []Notifier

var _ Notifier = MultiNotifier{}

func (m MultiNotifier) Notify(ctx context.Context, notifications []model.Notification) error {
	for _, notifier := range m {
		if err := notifier.Notify(ctx, notifications); err != nil {
			return err
		}
	}
	return nil
}
