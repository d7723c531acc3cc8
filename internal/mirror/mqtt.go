package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig configures an MQTTStore
type MQTTConfig struct {
	Broker   string // host:port or full URL
	ClientID string
	Username string
	Password string
	// Prefix is prepended to every path to build the topic
	Prefix string
	// Root is the subtree to mirror locally; Get only answers below it
	Root    string
	QoS     byte
	Timeout time.Duration
}

// MQTTStore maps paths onto retained MQTT topics. Set publishes a retained
// JSON payload; Get answers from a local cache kept current by a wildcard
// subscription on the root subtree.
type MQTTStore struct {
	client mqtt.Client
	cfg    MQTTConfig
	log    zerolog.Logger

	mu    sync.RWMutex
	cache map[string]any
}

// DialMQTT connects to the broker and subscribes to the root subtree
func DialMQTT(cfg MQTTConfig, log zerolog.Logger) (*MQTTStore, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	s := &MQTTStore{
		cfg:   cfg,
		log:   log.With().Str("component", "mirror.mqtt").Logger(),
		cache: make(map[string]any),
	}

	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	// Resubscribe on every (re)connect so the cache survives broker restarts
	opts.OnConnect = func(c mqtt.Client) {
		filter := s.topic(cfg.Root) + "/#"
		tok := c.Subscribe(filter, cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			s.handle(msg.Topic(), msg.Payload())
		})
		if tok.WaitTimeout(cfg.Timeout) && tok.Error() != nil {
			s.log.Warn().Err(tok.Error()).Str("filter", filter).Msg("subscribe failed")
			return
		}
		s.log.Info().Str("broker", cfg.Broker).Str("filter", filter).Msg("mqtt connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.log.Warn().Err(err).Str("broker", cfg.Broker).Msg("mqtt connection lost, will auto-reconnect")
	}

	s.client = mqtt.NewClient(opts)
	tok := s.client.Connect()
	if !tok.WaitTimeout(cfg.Timeout) {
		// stop the background connect retries
		s.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		s.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return s, nil
}

func (s *MQTTStore) topic(p string) string {
	return strings.TrimSuffix(s.cfg.Prefix, "/") + Join(p, "")
}

// handle records a retained value. An empty payload clears the topic.
func (s *MQTTStore) handle(topic string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(payload) == 0 {
		delete(s.cache, topic)
		return
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		v = string(payload)
	}
	s.cache[topic] = v
}

func (s *MQTTStore) Get(_ context.Context, p string) (map[string]any, error) {
	prefix := s.topic(p) + "/"

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any)
	for topic, v := range s.cache {
		rest, ok := strings.CutPrefix(topic, prefix)
		if !ok || rest == "" || strings.Contains(rest, "/") {
			continue
		}
		out[rest] = v
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *MQTTStore) Set(ctx context.Context, p string, value any) error {
	if s.client == nil || !s.client.IsConnectionOpen() {
		return errors.New("mqtt not connected")
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}

	timeout := s.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	tok := s.client.Publish(s.topic(p), s.cfg.QoS, true, payload)
	if !tok.WaitTimeout(timeout) {
		return fmt.Errorf("publish %s: timeout", s.topic(p))
	}
	return tok.Error()
}

func (s *MQTTStore) Close() error {
	if s.client != nil {
		s.client.Disconnect(250)
	}
	return nil
}
