// Package push bridges notifications to the external push-delivery worker
// over RabbitMQ. The coordinator only publishes; a separate worker owns the
// provider APIs (Expo, FCM) and consumes from the bound queue.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"ride-dispatch/internal/config"
	"ride-dispatch/internal/logger"
)

// Exchange topology for the push bridge.
const (
	ExchangePush        = "push_topic"
	QueuePushDeliveries = "push_deliveries"

	routeIdentityPrefix = "push.identity."
	routeRolePrefix     = "push.role."
)

// Client is a RabbitMQ connector that re-dials on connection or channel
// loss and re-declares the push topology after every reconnect.
type Client struct {
	url    string
	logger *logger.Logger
	logCtx context.Context

	mu      sync.RWMutex
	conn    *amqp.Connection
	pubChan *amqp.Channel

	pubMu       sync.Mutex
	pubConfirms chan amqp.Confirmation

	closed    chan struct{}
	reconnect chan struct{}
}

// Connect dials RabbitMQ once and starts the background reconnect watcher.
func Connect(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Client, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.RabbitMQ.User, cfg.RabbitMQ.Password, cfg.RabbitMQ.Host, cfg.RabbitMQ.Port)

	client := &Client{
		url:       url,
		logger:    log,
		logCtx:    context.WithoutCancel(ctx),
		closed:    make(chan struct{}),
		reconnect: make(chan struct{}, 1),
	}

	if err := client.connectOnce(); err != nil {
		return nil, err
	}
	go client.watch()

	return client, nil
}

// Close stops the watcher and tears down AMQP resources.
func (client *Client) Close() {
	select {
	case <-client.closed:
	default:
		close(client.closed)
	}

	client.mu.Lock()
	if client.pubChan != nil {
		_ = client.pubChan.Close()
		client.pubChan = nil
	}
	if client.conn != nil {
		_ = client.conn.Close()
		client.conn = nil
	}
	client.mu.Unlock()

	client.pubMu.Lock()
	if client.pubConfirms != nil {
		close(client.pubConfirms)
		client.pubConfirms = nil
	}
	client.pubMu.Unlock()
}

// publish sends one confirmed, persistent JSON message.
func (client *Client) publish(routingKey string, body []byte) error {
	client.mu.RLock()
	conn := client.conn
	ch := client.pubChan
	client.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return errors.New("push: connection is not open")
	}
	if ch == nil || ch.IsClosed() {
		return errors.New("push: publish channel is not open")
	}

	client.pubMu.Lock()
	defer client.pubMu.Unlock()
	confirms := client.pubConfirms

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := ch.PublishWithContext(ctx, ExchangePush, routingKey, true, false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
		},
	)
	if err != nil {
		return err
	}

	select {
	case c := <-confirms:
		if !c.Ack {
			return errors.New("push: publish not acknowledged")
		}
	case <-ctx.Done():
		// drain the in-flight confirm so the stream stays aligned
		select {
		case c := <-confirms:
			if !c.Ack {
				return errors.New("push: publish not acknowledged after timeout")
			}
		case <-time.After(2 * time.Second):
		}
		return ctx.Err()
	}

	return nil
}

// --- internals ---

func (client *Client) connectOnce() error {
	conn, err := amqp.DialConfig(client.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		client.logger.Error(client.logCtx, "push_dial_failed", "Failed to dial RabbitMQ", err, nil)
		return fmt.Errorf("push: dial failed: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		client.logger.Error(client.logCtx, "push_open_channel_failed", "Failed to open channel", err, nil)
		return fmt.Errorf("push: open channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		client.logger.Error(client.logCtx, "push_topology_failed", "Failed to declare push topology", err, nil)
		return err
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		client.logger.Error(client.logCtx, "push_confirms_failed", "Failed to enable publisher confirms", err, nil)
		return fmt.Errorf("push: enable confirms: %w", err)
	}

	client.pubMu.Lock()
	oldConfirms := client.pubConfirms
	client.pubConfirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	client.pubMu.Unlock()
	if oldConfirms != nil {
		close(oldConfirms)
	}

	returns := ch.NotifyReturn(make(chan amqp.Return, 1))
	go func() {
		for r := range returns {
			client.logger.Warn(client.logCtx, "push_returned", "Push message was unroutable", map[string]any{
				"routing_key": r.RoutingKey, "code": r.ReplyCode, "text": r.ReplyText,
			})
		}
	}()

	client.mu.Lock()
	if client.pubChan != nil && !client.pubChan.IsClosed() {
		_ = client.pubChan.Close()
	}
	client.conn = conn
	client.pubChan = ch
	client.mu.Unlock()

	go func(conn *amqp.Connection, ch *amqp.Channel) {
		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-client.closed:
			return
		case <-connClosed:
		case <-chClosed:
		}
		select {
		case client.reconnect <- struct{}{}:
		default:
		}
	}(conn, ch)

	client.logger.Info(client.logCtx, "push_connected", "Push bridge connected", nil)
	return nil
}

// watch re-dials with capped exponential backoff until Close.
func (client *Client) watch() {
	backoff := time.Second
	for {
		select {
		case <-client.closed:
			return
		case <-client.reconnect:
			for {
				select {
				case <-client.closed:
					return
				default:
				}

				if err := client.connectOnce(); err == nil {
					backoff = time.Second
					client.logger.Info(client.logCtx, "push_reconnected", "Push bridge reconnected", nil)
					break
				} else {
					client.logger.Error(client.logCtx, "push_reconnect_failed", "Retrying push bridge connection", err, nil)
				}

				time.Sleep(backoff)
				if backoff < 30*time.Second {
					backoff *= 2
					if backoff > 30*time.Second {
						backoff = 30 * time.Second
					}
				}
			}
		}
	}
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangePush, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("push: declare exchange %s: %w", ExchangePush, err)
	}
	if _, err := ch.QueueDeclare(QueuePushDeliveries, true, false, false, false, nil); err != nil {
		return fmt.Errorf("push: declare queue %s: %w", QueuePushDeliveries, err)
	}
	if err := ch.QueueBind(QueuePushDeliveries, "push.#", ExchangePush, false, nil); err != nil {
		return fmt.Errorf("push: bind queue %s: %w", QueuePushDeliveries, err)
	}
	return nil
}
