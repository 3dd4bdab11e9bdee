package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kilianp07/feederdispatch/core/logger"
	"github.com/kilianp07/feederdispatch/core/setpoint"
	infralogger "github.com/kilianp07/feederdispatch/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT client.
// Set-points go to <prefix>/gen/<bus>/setpoint and demand reduction orders
// to <prefix>/dr/<bus>/order. QoS keys are "setpoint", "order" and "ack".
type Config struct {
	Broker      string          `json:"broker"`
	ClientID    string          `json:"client_id"`
	Username    string          `json:"username"`
	Password    string          `json:"password"`
	TopicPrefix string          `json:"topic_prefix"`
	AckTopic    string          `json:"ack_topic"`
	UseTLS      bool            `json:"use_tls"`
	ClientCert  string          `json:"client_cert"`
	ClientKey   string          `json:"client_key"`
	CABundle    string          `json:"ca_bundle"`
	QoS         map[string]byte `json:"qos"`
	LWTTopic    string          `json:"lwt_topic"`
	LWTPayload  string          `json:"lwt_payload"`
	LWTQoS      byte            `json:"lwt_qos"`
	LWTRetain   bool            `json:"lwt_retain"`
	MaxRetries  int             `json:"max_retries"`
	BackoffMS   int             `json:"backoff_ms"`
	AckTimeout  time.Duration   `json:"ack_timeout"`
	TLSConfig   *tls.Config     `json:"-"`
}

func (c *Config) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "feederdispatch"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "feeder"
	}
	if c.AckTopic == "" {
		c.AckTopic = c.TopicPrefix + "/ack"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
}

// Validate checks the config. An empty broker disables publishing and is
// accepted.
func (c Config) Validate() error {
	for k, q := range c.QoS {
		if q > 2 {
			return fmt.Errorf("mqtt: qos %q must be 0, 1 or 2", k)
		}
	}
	if c.LWTQoS > 2 {
		return fmt.Errorf("mqtt: lwt_qos must be 0, 1 or 2")
	}
	if c.AckTimeout < 0 {
		return fmt.Errorf("mqtt: ack_timeout must be non-negative")
	}
	return nil
}

// Enabled reports whether a broker is configured.
func (c Config) Enabled() bool { return c.Broker != "" }

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// PahoClient implements setpoint.Publisher using Eclipse Paho.
type PahoClient struct {
	cli    pahoClient
	cfg    Config
	logger logger.Logger

	mu       sync.Mutex
	ackChans map[string]chan struct{}
	backoff  time.Duration
}

var _ setpoint.Publisher = (*PahoClient)(nil)

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewPahoClient connects to the MQTT broker and subscribes to the ack topic.
func NewPahoClient(cfg Config) (*PahoClient, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	log := infralogger.New("mqtt_client")
	pc := &PahoClient{
		cfg:      cfg,
		logger:   log,
		ackChans: make(map[string]chan struct{}),
		backoff:  time.Duration(cfg.BackoffMS) * time.Millisecond,
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		if token := c.Subscribe(cfg.AckTopic, pc.qos("ack"), pc.onAck); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	pc.cli = c
	return pc, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// SetpointTopic is the topic for the generator at bus.
func (c Config) SetpointTopic(bus int) string {
	return fmt.Sprintf("%s/gen/%d/setpoint", c.TopicPrefix, bus)
}

// OrderTopic is the topic for demand reduction at bus.
func (c Config) OrderTopic(bus int) string {
	return fmt.Sprintf("%s/dr/%d/order", c.TopicPrefix, bus)
}

func (p *PahoClient) qos(kind string) byte {
	if q, ok := p.cfg.QoS[kind]; ok {
		return q
	}
	return 0
}

func (p *PahoClient) onAck(_ paho.Client, msg paho.Message) {
	var m struct {
		CommandID string `json:"command_id"`
	}
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		p.logger.Errorf("failed to decode ack: %v", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.ackChans[m.CommandID]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
		p.logger.Debugf("received ack %s", m.CommandID)
	}
}

type envelope struct {
	CommandID string `json:"command_id"`
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
	Body      any    `json:"body"`
}

// SendSetpoint publishes a generator set-point.
func (p *PahoClient) SendSetpoint(s setpoint.Setpoint) (string, error) {
	return p.send(p.cfg.SetpointTopic(s.Bus), "setpoint", s)
}

// SendOrder publishes a demand reduction order.
func (p *PahoClient) SendOrder(o setpoint.Order) (string, error) {
	return p.send(p.cfg.OrderTopic(o.Bus), "order", o)
}

func (p *PahoClient) send(topic, kind string, body any) (string, error) {
	cmdID := uuid.NewString()
	payload, err := json.Marshal(envelope{
		CommandID: cmdID,
		Kind:      kind,
		Timestamp: time.Now().UnixMilli(),
		Body:      body,
	})
	if err != nil {
		return "", err
	}

	// Register before publishing so a fast ack is not lost.
	p.mu.Lock()
	p.ackChans[cmdID] = make(chan struct{}, 1)
	p.mu.Unlock()

	var publishErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		token := p.cli.Publish(topic, p.qos(kind), false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			p.logger.Infof("sent %s %s to %s", kind, cmdID, topic)
			return cmdID, nil
		}
		p.logger.Errorf("publish attempt %d failed: %v", attempt+1, publishErr)
		if attempt < p.cfg.MaxRetries {
			time.Sleep(p.backoff * time.Duration(1<<attempt))
		}
	}
	p.mu.Lock()
	delete(p.ackChans, cmdID)
	p.mu.Unlock()
	return "", publishErr
}

// WaitForAck blocks until an ack for the given command ID is received or timeout.
func (p *PahoClient) WaitForAck(commandID string, timeout time.Duration) (bool, error) {
	p.mu.Lock()
	ch := p.ackChans[commandID]
	p.mu.Unlock()
	if ch == nil {
		return false, fmt.Errorf("unknown command %q", commandID)
	}
	defer func() {
		p.mu.Lock()
		delete(p.ackChans, commandID)
		p.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true, nil
	case <-timer.C:
		return false, fmt.Errorf("%s: %w", commandID, setpoint.ErrAckTimeout)
	}
}

// Disconnect gracefully closes the MQTT connection.
func (p *PahoClient) Disconnect() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}
