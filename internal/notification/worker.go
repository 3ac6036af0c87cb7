package notification

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"oee-monitor-backend/internal/metrics"
	"oee-monitor-backend/internal/model"
)

// Alert kinds dispatched to operators.
const (
	KindTerminalBackendFailure = "terminal_backend_failure"
	KindStoppageUnclassified   = "stoppage_unclassified"
	KindOverproduction         = "overproduction"
)

// Alert is one operator notification. DeviceID may be empty for plant-wide
// alerts such as terminal backend failures.
type Alert struct {
	Kind     string `json:"kind"`
	DeviceID string `json:"device_id,omitempty"`
	Message  string `json:"message"`
}

// AlertSender defines the interface for sending a web push notification.
type AlertSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is the real AlertSender backed by the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool manages a pool of workers delivering operator alerts.
type WorkerPool struct {
	size    int
	jobs    chan Alert
	db      *gorm.DB
	webpush *webpush.Options
	sender  AlertSender
}

// NewWorkerPool creates a new alert worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Alert, size*4),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("Alert worker %d started", id)
	for {
		select {
		case alert := <-wp.jobs:
			wp.deliver(ctx, alert)
		case <-ctx.Done():
			log.Printf("Alert worker %d shutting down", id)
			return
		}
	}
}

// Dispatch queues an alert without blocking the caller. A full queue drops
// the alert with a log line; alerting must never stall ingestion.
func (wp *WorkerPool) Dispatch(alert Alert) {
	metrics.AlertsDispatched.WithLabelValues(alert.Kind).Inc()
	select {
	case wp.jobs <- alert:
	default:
		log.Printf("Alert queue full, dropping %s alert for device %q", alert.Kind, alert.DeviceID)
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Alert {
	return wp.jobs
}

// deliver fetches the relevant subscriptions and pushes the alert to each.
// Device-scoped alerts go to operators subscribed to that device; plant-wide
// alerts go to every subscription.
func (wp *WorkerPool) deliver(ctx context.Context, alert Alert) {
	// Without VAPID keys the library cannot sign requests; alerts are
	// accepted and dropped so callers never need to care.
	if wp.webpush == nil {
		return
	}

	var subscriptions []model.PushSubscription
	query := wp.db.WithContext(ctx)
	if alert.DeviceID != "" {
		query = query.
			Joins("JOIN subscription_device_mapping sdm ON sdm.push_subscription_endpoint = push_subscriptions.endpoint").
			Where("sdm.device_id = ?", alert.DeviceID)
	}
	if err := query.Find(&subscriptions).Error; err != nil {
		log.Printf("Error fetching subscriptions for %s alert: %v", alert.Kind, err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		log.Printf("Error encoding %s alert: %v", alert.Kind, err)
		return
	}

	log.Printf("Sending %d push notifications for %s alert", len(subscriptions), alert.Kind)
	for _, sub := range subscriptions {
		wp.push(ctx, sub, payload)
	}
}

// push sends a single web push notification.
func (wp *WorkerPool) push(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Printf("Error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// Expired subscriptions are removed on the spot.
	if resp.StatusCode == http.StatusGone {
		log.Printf("Subscription for endpoint %s is expired. Deleting.", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			log.Printf("Failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}
