package ingest

import (
	"errors"
	"fmt"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MessageHandler processes one received message.
type MessageHandler func(topic string, payload []byte) error

// Client wraps the paho MQTT client for the ingestion workers. Each worker
// gets a unique client id so replicas can share the broker subscription
// group without session collisions.
type Client struct {
	client mqtt.Client
	config Config
	logger *log.Logger
}

// NewClient connects to the broker.
func NewClient(cfg Config, logger *log.Logger) (*Client, error) {
	if logger == nil {
		return nil, errors.New("ingest: nil logger")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.ClientID, uuid.NewString()))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Printf("mqtt connected to %s", cfg.BrokerURL())
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Printf("mqtt connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("ingest: connect to broker: %w", token.Error())
	}
	return &Client{client: client, config: cfg, logger: logger}, nil
}

// Subscribe registers a handler for a topic. Handler errors are logged, not
// propagated; re-delivery is the broker's concern at QoS 1.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return errors.New("ingest: nil client")
	}
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Printf("mqtt message error topic=%s: %v", msg.Topic(), err)
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("ingest: subscribe %s: %w", topic, token.Error())
	}
	c.logger.Printf("mqtt subscribed %s qos=%d", topic, qos)
	return nil
}

// Disconnect closes the connection.
func (c *Client) Disconnect() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(250)
}

// IsConnected reports the connection state.
func (c *Client) IsConnected() bool {
	return c != nil && c.client != nil && c.client.IsConnected()
}
