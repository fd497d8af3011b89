// Package mqtt bridges a sensor link to an MQTT broker.
//
// Accepted packets are published as JSON to "{prefix}/{link}/telemetry", the
// link state is published retained to "{prefix}/{link}/state", and control
// commands are received on "{prefix}/{link}/command".
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/kabili207/sensorlink/core/codec"
	"github.com/kabili207/sensorlink/transport"
)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "sensorlink"

	publishTimeout = 10 * time.Second
)

var (
	errNotConnected   = errors.New("not connected")
	errUnknownCommand = errors.New("unknown command")
)

// CommandHandler is called for every valid command received from the broker.
type CommandHandler func(flag codec.Control, value uint32)

// Config holds the configuration for an MQTT Bridge.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "sensorlink").
	TopicPrefix string
	// LinkName identifies the link. Topics live under "{TopicPrefix}/{LinkName}".
	LinkName string
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Telemetry is the JSON document published for each accepted packet.
type Telemetry struct {
	Sample    uint32    `json:"sample"`
	Sensors   [5]uint32 `json:"sensors"`
	RqSample  uint32    `json:"rq_sample"`
	Control   string    `json:"control"`
	Recovered bool      `json:"recovered"`
	Time      time.Time `json:"time"`
}

// NewTelemetry builds the telemetry document for a packet.
func NewTelemetry(p *codec.Packet, recovered bool, at time.Time) Telemetry {
	return Telemetry{
		Sample:    p.Sample,
		Sensors:   [5]uint32{p.Sensor1, p.Sensor2, p.Sensor3, p.Sensor4, p.Sensor5},
		RqSample:  p.RqSample,
		Control:   p.Control.String(),
		Recovered: recovered,
		Time:      at.UTC(),
	}
}

// commandMessage is the JSON body accepted on the command topic.
type commandMessage struct {
	Command string `json:"command"`
	Value   uint32 `json:"value"`
}

// Bridge publishes link telemetry and state to MQTT and receives commands.
type Bridge struct {
	cfg            Config
	client         paho.Client
	log            *slog.Logger
	mu             sync.RWMutex
	connected      bool
	commandHandler CommandHandler
	nowFn          func() time.Time
}

// New creates a new MQTT bridge with the given configuration.
func New(cfg Config) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Bridge{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("mqtt"),
		nowFn: time.Now,
	}
}

// Start connects to the MQTT broker and subscribes to the command topic.
func (b *Bridge) Start(ctx context.Context) error {
	if b.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if b.cfg.LinkName == "" {
		return errors.New("link name is required")
	}

	clientID := b.cfg.ClientID
	if clientID == "" {
		clientID = "sensorlink-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetWill(b.topic("state"), transport.EventDisconnected.String(), 1, true).
		SetOnConnectHandler(b.onConnected).
		SetConnectionLostHandler(b.onConnectionLost).
		SetReconnectingHandler(b.onReconnecting)

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
	}
	if b.cfg.Password != "" {
		opts.SetPassword(b.cfg.Password)
	}
	if b.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	client := paho.NewClient(opts)
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		b.client.Disconnect(1000)
		b.connected = false
	}
	return nil
}

// IsConnected returns true if the bridge is connected to the broker.
func (b *Bridge) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected && b.client != nil && b.client.IsConnected()
}

// SetCommandHandler sets the callback for commands received from the broker.
func (b *Bridge) SetCommandHandler(fn CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commandHandler = fn
}

// PublishPacket publishes an accepted packet to the telemetry topic.
func (b *Bridge) PublishPacket(p *codec.Packet, recovered bool) error {
	payload, err := json.Marshal(NewTelemetry(p, recovered, b.nowFn()))
	if err != nil {
		return fmt.Errorf("encoding telemetry: %w", err)
	}
	return b.publish(b.topic("telemetry"), 0, false, payload)
}

// PublishState publishes the link state as a retained message.
func (b *Bridge) PublishState(event transport.Event) error {
	return b.publish(b.topic("state"), 1, true, event.String())
}

func (b *Bridge) publish(topic string, qos byte, retained bool, payload any) error {
	if !b.IsConnected() {
		return errNotConnected
	}

	b.mu.RLock()
	client := b.client
	b.mu.RUnlock()

	token := client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("timeout publishing to MQTT")
	}
	return token.Error()
}

func (b *Bridge) topic(leaf string) string {
	return b.cfg.TopicPrefix + "/" + b.cfg.LinkName + "/" + leaf
}

func (b *Bridge) subscribe(client paho.Client) {
	topic := b.topic("command")
	client.Subscribe(topic, 1, b.handleMessage)
	b.log.Debug("subscribed to command topic", "topic", topic)
}

// parseCommand decodes a command message into a control flag and value.
func parseCommand(payload []byte) (codec.Control, uint32, error) {
	var msg commandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return 0, 0, fmt.Errorf("decoding command: %w", err)
	}

	switch msg.Command {
	case "test":
		return codec.FlagTest, 0, nil
	case "multiplier":
		return codec.FlagMultiplier, msg.Value, nil
	case "clear":
		return 0, 0, nil
	default:
		return 0, 0, fmt.Errorf("%w: %q", errUnknownCommand, msg.Command)
	}
}

func (b *Bridge) handleMessage(_ paho.Client, message paho.Message) {
	b.mu.RLock()
	handler := b.commandHandler
	b.mu.RUnlock()

	if handler == nil {
		return
	}

	flag, value, err := parseCommand(message.Payload())
	if err != nil {
		b.log.Warn("ignoring command", "topic", message.Topic(), "error", err)
		return
	}

	b.log.Info("command received", "command", flag, "value", value)
	handler(flag, value)
}

func (b *Bridge) onConnected(client paho.Client) {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	b.subscribe(client)
	b.log.Info("connected to MQTT broker", "broker", b.cfg.Broker)
}

func (b *Bridge) onConnectionLost(_ paho.Client, err error) {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()

	b.log.Error("MQTT connection lost", "error", err)
}

func (b *Bridge) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	b.log.Info("reconnecting to MQTT broker")
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	s := make([]byte, n)
	for i := range s {
		s[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(s)
}
