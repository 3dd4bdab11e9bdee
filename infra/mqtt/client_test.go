package mqtt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/feederdispatch/core/setpoint"
)

func generateCert(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "test"}, NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour)}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	caFile = filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o644))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o644))
	require.NoError(t, os.WriteFile(caFile, certPEM, 0o644))
	return
}

func withMock(t *testing.T, mc *mockClient) {
	t.Helper()
	prev := newMQTTClient
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { mc.opts = o; return mc }
	t.Cleanup(func() { newMQTTClient = prev })
}

func TestLoadTLSConfig(t *testing.T) {
	cert, key, ca := generateCert(t)
	tlsCfg, err := Config{UseTLS: true, ClientCert: cert, ClientKey: key, CABundle: ca}.LoadTLSConfig()
	require.NoError(t, err)
	assert.NotEmpty(t, tlsCfg.Certificates)
	assert.NotNil(t, tlsCfg.RootCAs)

	_, err = Config{UseTLS: true}.LoadTLSConfig()
	assert.Error(t, err)
}

func TestNewClientOptionsAuth(t *testing.T) {
	opts, err := NewClientOptions(Config{Broker: "tcp://localhost:1883", ClientID: "id", Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, "u", opts.Username)
	assert.Equal(t, "p", opts.Password)
}

func TestConfigDefaultsAndTopics(t *testing.T) {
	var c Config
	c.SetDefaults()
	assert.Equal(t, "feeder/ack", c.AckTopic)
	assert.Equal(t, 3, c.MaxRetries)
	assert.Equal(t, "feeder/gen/4/setpoint", c.SetpointTopic(4))
	assert.Equal(t, "feeder/dr/2/order", c.OrderTopic(2))
	assert.False(t, c.Enabled())

	assert.Error(t, Config{QoS: map[string]byte{"order": 3}}.Validate())
	assert.Error(t, Config{AckTimeout: -time.Second}.Validate())
}

func TestSendSetpointQoSAndAck(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", TopicPrefix: "f1", QoS: map[string]byte{"setpoint": 2, "ack": 1}})
	require.NoError(t, err)
	require.Len(t, mc.subscribed, 1)
	assert.Equal(t, "f1/ack", mc.subscribed[0].topic)
	assert.Equal(t, byte(1), mc.subscribed[0].qos)

	cmdID, err := cli.SendSetpoint(setpoint.Setpoint{Bus: 3, GP: 0.4, GQ: 0.1, Alpha: 1})
	require.NoError(t, err)
	require.Len(t, mc.published, 1)
	assert.Equal(t, "f1/gen/3/setpoint", mc.published[0].topic)
	assert.Equal(t, byte(2), mc.published[0].qos)

	var env struct {
		CommandID string            `json:"command_id"`
		Kind      string            `json:"kind"`
		Body      setpoint.Setpoint `json:"body"`
	}
	require.NoError(t, json.Unmarshal(mc.published[0].payload, &env))
	assert.Equal(t, cmdID, env.CommandID)
	assert.Equal(t, "setpoint", env.Kind)
	assert.Equal(t, 0.4, env.Body.GP)

	cli.onAck(nil, mockMessage{[]byte(fmt.Sprintf(`{"command_id":"%s"}`, cmdID))})
	ok, err := cli.WaitForAck(cmdID, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSendOrderTopic(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883"})
	require.NoError(t, err)
	_, err = cli.SendOrder(setpoint.Order{Bus: 5, Reduction: 0.2})
	require.NoError(t, err)
	assert.Equal(t, "feeder/dr/5/order", mc.published[0].topic)
}

func TestLWTConfigured(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", LWTTopic: "lwt", LWTPayload: "bye", LWTQoS: 1})
	require.NoError(t, err)
	assert.True(t, mc.opts.WillEnabled)
	assert.Equal(t, "lwt", mc.opts.WillTopic)
	assert.Equal(t, "bye", string(mc.opts.WillPayload))
	cli.Disconnect()
	assert.Empty(t, mc.published)
}

func TestRetryLogic(t *testing.T) {
	mc := &mockClient{publishErrs: []error{errors.New("net fail"), nil}}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", MaxRetries: 1, BackoffMS: 1})
	require.NoError(t, err)
	_, err = cli.SendSetpoint(setpoint.Setpoint{Bus: 0})
	require.NoError(t, err)
	assert.Len(t, mc.published, 2)
}

func TestRetryExhausted(t *testing.T) {
	mc := &mockClient{publishErrs: []error{errors.New("a"), errors.New("b")}}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", MaxRetries: 1, BackoffMS: 1})
	require.NoError(t, err)
	_, err = cli.SendOrder(setpoint.Order{Bus: 1})
	assert.EqualError(t, err, "b")
	assert.Empty(t, cli.ackChans)
}

func TestWaitForAckTimeout(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883"})
	require.NoError(t, err)
	cmdID, err := cli.SendSetpoint(setpoint.Setpoint{Bus: 0})
	require.NoError(t, err)
	ok, err := cli.WaitForAck(cmdID, time.Millisecond)
	assert.False(t, ok)
	assert.ErrorIs(t, err, setpoint.ErrAckTimeout)

	_, err = cli.WaitForAck("missing", time.Millisecond)
	assert.Error(t, err)
}

func TestMockPublisher(t *testing.T) {
	m := NewMockPublisher()
	m.FailBuses[2] = true
	id, err := m.SendSetpoint(setpoint.Setpoint{Bus: 0, GP: 1})
	require.NoError(t, err)
	ok, err := m.WaitForAck(id, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = m.SendOrder(setpoint.Order{Bus: 2})
	assert.Error(t, err)
	assert.Equal(t, 1.0, m.Setpoints[0].GP)
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type subscription struct {
	topic string
	qos   byte
}

// mockClient implements paho.Client for tests.
type mockClient struct {
	opts        *paho.ClientOptions
	subscribed  []subscription
	published   []published
	publishErrs []error
}

func (m *mockClient) IsConnected() bool { return true }
func (m *mockClient) Connect() paho.Token {
	if m.opts != nil && m.opts.OnConnect != nil {
		m.opts.OnConnect(m)
	}
	return &dummyToken{}
}
func (m *mockClient) Disconnect(uint) {}
func (m *mockClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	b, _ := payload.([]byte)
	m.published = append(m.published, published{topic, qos, b})
	if len(m.publishErrs) > 0 {
		err := m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
		return &dummyToken{err: err}
	}
	return &dummyToken{}
}
func (m *mockClient) Subscribe(topic string, qos byte, _ paho.MessageHandler) paho.Token {
	m.subscribed = append(m.subscribed, subscription{topic, qos})
	return &dummyToken{}
}
func (m *mockClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &dummyToken{}
}
func (m *mockClient) Unsubscribe(...string) paho.Token        { return &dummyToken{} }
func (m *mockClient) AddRoute(string, paho.MessageHandler)    {}
func (m *mockClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (m *mockClient) IsConnectionOpen() bool                  { return true }

type dummyToken struct{ err error }

func (d dummyToken) Wait() bool                     { return true }
func (d dummyToken) WaitTimeout(time.Duration) bool { return true }
func (d dummyToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (d dummyToken) Error() error                   { return d.err }

type mockMessage struct{ p []byte }

func (m mockMessage) Duplicate() bool   { return false }
func (m mockMessage) Qos() byte         { return 0 }
func (m mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string     { return "" }
func (m mockMessage) MessageID() uint16 { return 0 }
func (m mockMessage) Payload() []byte   { return m.p }
func (m mockMessage) Ack()              {}
