package mqtt

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Client manages the MQTT connection (low-level connection management only)
// For subscribing and publishing, use Subscriber and Publisher respectively
type Client struct {
	client mqtt.Client
	config ClientConfig
	logger zerolog.Logger

	mu        sync.Mutex
	onConnect []func()
}

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// NewClient prepares a client; call Connect to dial the broker. Hooks
// registered with OnConnect before Connect also run for the first
// connection.
func NewClient(config ClientConfig, logger zerolog.Logger) *Client {
	c := &Client{config: config, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetDefaultPublishHandler(c.messagePubHandler)
	opts.SetOnConnectHandler(c.connectHandler)
	opts.SetConnectionLostHandler(c.connectLostHandler)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	c.client = mqtt.NewClient(opts)
	return c
}

// OnConnect registers fn to run after every (re)connection
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// Connect dials the broker and waits up to timeout for the first session
func (c *Client) Connect(timeout time.Duration) error {
	token := c.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("failed to connect to MQTT broker %s: timed out after %s", c.config.Broker, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	c.logger.Info().Str("broker", c.config.Broker).Msg("MQTT Client: Connected to broker")
	return nil
}

// GetNativeClient returns the underlying paho MQTT client
// This is used by Subscriber and Publisher
func (c *Client) GetNativeClient() mqtt.Client {
	return c.client
}

// IsConnected returns whether the client is currently connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close closes the MQTT client connection
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.logger.Info().Msg("MQTT Client: Disconnected")
}

// Connection event handlers
func (c *Client) messagePubHandler(_ mqtt.Client, msg mqtt.Message) {
	c.logger.Debug().Str("topic", msg.Topic()).Msg("MQTT: Received message on unrouted topic")
}

func (c *Client) connectHandler(_ mqtt.Client) {
	c.logger.Info().Msg("MQTT: Connection established")

	c.mu.Lock()
	hooks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (c *Client) connectLostHandler(_ mqtt.Client, err error) {
	c.logger.Warn().Err(err).Msg("MQTT: Connection lost")
}
