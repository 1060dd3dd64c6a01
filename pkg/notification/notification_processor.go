package notification

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var ErrProcessorStopped = errors.New("notification processor stopped")

type NotificationProcessor interface {
	common.Component
	Process(ctx context.Context) error
	Trigger(ctx context.Context, triggerMsg TriggerMessage)
}

type SimpleNotificationProcessor struct {
	ctx           context.Context
	store         NotificationStore
	notifier      Notifier
	channel       chan TriggerMessage
	doneChannel   chan struct{}
	wg            sync.WaitGroup
	running       atomic.Bool
	retryInterval time.Duration
}

// TriggerMessage asks the processor to flush the pending notifications of
// Msg.Namespace. ResultChan, if set, must have room for one value.
type TriggerMessage struct {
	Msg        model.Notification
	ResultChan chan error
}

const (
	triggerChannelSize   = 1000
	defaultRetryInterval = 100 * time.Millisecond
)

var _ NotificationProcessor = &SimpleNotificationProcessor{}

func NewSimpleNotificationProcessor(ctx context.Context, store NotificationStore, notifier Notifier) *SimpleNotificationProcessor {
	return &SimpleNotificationProcessor{
		ctx:           ctx,
		store:         store,
		notifier:      notifier,
		channel:       make(chan TriggerMessage, triggerChannelSize),
		doneChannel:   make(chan struct{}),
		retryInterval: defaultRetryInterval,
	}
}

func (n *SimpleNotificationProcessor) Start() error {
	// Anything left over from a previous run goes out before new triggers.
	log.Info("Starting notification processor")
	err := n.sendPendingNotifications(n.ctx)
	if err != nil {
		log.Error("Failed to send pending notifications", zap.Error(err))
		return err
	}
	n.running.Store(true)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_ = n.Process(n.ctx)
	}()
	return nil
}

func (n *SimpleNotificationProcessor) Stop() error {
	if !n.running.CompareAndSwap(true, false) {
		return nil
	}
	close(n.doneChannel)
	n.wg.Wait()
	return nil
}

func (n *SimpleNotificationProcessor) Process(ctx context.Context) error {
	log.Info("Waiting for new notifications")
	for {
		select {
		case triggerMsg := <-n.channel:
			reply(triggerMsg.ResultChan, n.flush(ctx, triggerMsg.Msg.Namespace))
		case <-n.doneChannel:
			log.Info("Stopping notification processor")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flush blocks until the namespace's notifications are delivered or the
// processor stops.
func (n *SimpleNotificationProcessor) flush(ctx context.Context, namespace string) error {
	for {
		notifications, err := n.store.GetNotifications(ctx, namespace)
		if err == nil {
			notifications = pendingOnly(notifications)
			if len(notifications) == 0 {
				return nil
			}
			err = n.notifier.Notify(ctx, notifications)
			if err == nil {
				return n.store.RemoveNotifications(ctx, notifications)
			}
		}
		log.Error("Failed to send notifications", zap.String("namespace", namespace), zap.Error(err))
		select {
		case <-time.After(n.retryInterval):
		case <-n.doneChannel:
			return ErrProcessorStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *SimpleNotificationProcessor) Trigger(ctx context.Context, triggerMsg TriggerMessage) {
	select {
	case n.channel <- triggerMsg:
	default:
		// Dropping is safe: the notification stays in the store and goes out
		// with the next trigger for its namespace or on restart.
		log.Error("Notification channel is full, dropping trigger", zap.String("namespace", triggerMsg.Msg.Namespace))
		reply(triggerMsg.ResultChan, nil)
	}
}

func (n *SimpleNotificationProcessor) sendPendingNotifications(ctx context.Context) error {
	notificationMap, err := n.store.GetAllPendingNotifications(ctx)
	if err != nil {
		log.Error("Failed to get all pending notifications", zap.Error(err))
		return err
	}
	for namespace, notifications := range notificationMap {
		log.Info("Sending pending notifications", zap.String("namespace", namespace), zap.Int("count", len(notifications)))
		for {
			err = n.notifier.Notify(ctx, notifications)
			if err == nil {
				if err := n.store.RemoveNotifications(ctx, notifications); err != nil {
					return err
				}
				break
			}
			log.Error("Failed to send pending notifications", zap.Error(err))
			select {
			case <-time.After(n.retryInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func pendingOnly(notifications []model.Notification) []model.Notification {
	pending := notifications[:0:0]
	for _, notification := range notifications {
		if notification.Status == model.NotificationStatusPending {
			pending = append(pending, notification)
		}
	}
	return pending
}

func reply(ch chan error, err error) {
	if ch != nil {
		ch <- err
	}
}
