package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/freeflowhq/marketplace/internal/idgen"
	"github.com/freeflowhq/marketplace/internal/metrics"
)

// Subscription is a user's registered webhook endpoint. Users (or the
// notification-settings UI acting for them) register a URL per category.
type Subscription struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"` // Used for HMAC signing
	Categories  []string   `json:"categories"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// envelope is the wire shape POSTed to subscriber endpoints.
type envelope struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Event     Notification `json:"event"`
}

// WebhookSender delivers notifications to the recipient's registered
// webhook endpoints. Sends happen on a goroutine per delivery; results
// are recorded on the subscription for the settings UI to display.
type WebhookSender struct {
	store  SubscriptionStore
	client *http.Client
	logger *slog.Logger
}

// NewWebhookSender creates a webhook-backed notification sender.
func NewWebhookSender(store SubscriptionStore, logger *slog.Logger) *WebhookSender {
	return &WebhookSender{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (w *WebhookSender) Send(ctx context.Context, n Notification) {
	subs, err := w.store.GetByUser(ctx, n.Recipient)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(n.Category, "error").Inc()
		w.logger.Warn("failed to load webhook subscriptions",
			"recipient", n.Recipient, "error", err)
		return
	}

	for _, sub := range subs {
		if !sub.Active || !subscribed(sub, n.Category) {
			continue
		}
		// Detach from the request context: the caller's transition has
		// already committed and must not wait on delivery.
		go w.deliver(sub, n)
	}
}

func subscribed(sub *Subscription, category string) bool {
	if len(sub.Categories) == 0 {
		return true
	}
	for _, c := range sub.Categories {
		if c == category {
			return true
		}
	}
	return false
}

func (w *WebhookSender) deliver(sub *Subscription, n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, err := json.Marshal(envelope{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		Timestamp: time.Now(),
		Event:     n,
	})
	if err != nil {
		w.recordError(ctx, sub, n.Category, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordError(ctx, sub, n.Category, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Freeflow-Category", n.Category)
	req.Header.Set("X-Freeflow-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Freeflow-Signature", sign(payload, sub.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.recordError(ctx, sub, n.Category, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.NotificationsTotal.WithLabelValues(n.Category, "ok").Inc()
		now := time.Now()
		sub.LastSuccess = &now
		sub.LastError = ""
		_ = w.store.Update(ctx, sub)
	} else {
		w.recordError(ctx, sub, n.Category, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

func (w *WebhookSender) recordError(ctx context.Context, sub *Subscription, category, msg string) {
	metrics.NotificationsTotal.WithLabelValues(category, "error").Inc()
	w.logger.Warn("webhook delivery failed", "subscription", sub.ID, "error", msg)
	sub.LastError = msg
	_ = w.store.Update(ctx, sub)
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// MemorySubscriptionStore is an in-memory subscription store.
type MemorySubscriptionStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemorySubscriptionStore creates a new in-memory subscription store.
func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[string]*Subscription)}
}

func (m *MemorySubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemorySubscriptionStore) GetByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemorySubscriptionStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return fmt.Errorf("subscription not found")
	}
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemorySubscriptionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

var _ SubscriptionStore = (*MemorySubscriptionStore)(nil)
var _ Sender = (*WebhookSender)(nil)
