package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/meter2mqtt/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for unit tests.
// Nothing in this file talks to a broker; see integration_test.go for that.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "meter2mqtt-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     120,
		},
		StatusTopicPrefix: "meter2mqtt",
	}
}

// =============================================================================
// Option Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	opts := buildClientOptions(testConfig())

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
	if opts.ClientID != "meter2mqtt-test" {
		t.Errorf("ClientID = %q, want meter2mqtt-test", opts.ClientID)
	}
	if opts.CleanSession {
		t.Error("CleanSession = true, want false (persistent session)")
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
	if opts.ConnectRetryInterval != time.Second {
		t.Errorf("ConnectRetryInterval = %v, want 1s", opts.ConnectRetryInterval)
	}
	if opts.MaxReconnectInterval != 120*time.Second {
		t.Errorf("MaxReconnectInterval = %v, want 120s", opts.MaxReconnectInterval)
	}
	if opts.KeepAlive != 60 {
		t.Errorf("KeepAlive = %d, want 60", opts.KeepAlive)
	}
	if opts.Username != "" {
		t.Errorf("Username = %q, want anonymous", opts.Username)
	}
	if opts.TLSConfig != nil && len(opts.TLSConfig.Certificates) > 0 {
		t.Error("unexpected client certificates on plain TCP connection")
	}
}

func TestBuildClientOptions_TLSAndAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883
	cfg.Auth = config.MQTTAuthConfig{Username: "meter", Password: "secret"}
	cfg.CleanSession = true

	opts := buildClientOptions(cfg)

	if opts.Servers[0].String() != "ssl://127.0.0.1:8883" {
		t.Errorf("Servers[0] = %s, want ssl://127.0.0.1:8883", opts.Servers[0])
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLSConfig missing or below TLS 1.2")
	}
	if opts.Username != "meter" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want meter/secret", opts.Username, opts.Password)
	}
	if !opts.CleanSession {
		t.Error("CleanSession = false, want true when configured")
	}
}

func TestBuildClientOptions_UsernameWithoutPassword(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "meter"

	opts := buildClientOptions(cfg)
	if opts.Username != "" {
		t.Errorf("Username = %q, want empty when password missing", opts.Username)
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, "meter2mqtt/meter_001/status", "meter2mqtt-test")

	if !opts.WillEnabled {
		t.Fatal("WillEnabled = false, want true")
	}
	if opts.WillTopic != "meter2mqtt/meter_001/status" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}
	if !opts.WillRetained || opts.WillQos != 1 {
		t.Errorf("Will retained=%v qos=%d, want retained qos 1", opts.WillRetained, opts.WillQos)
	}

	var payload statusPayload
	if err := json.Unmarshal(opts.WillPayload, &payload); err != nil {
		t.Fatalf("will payload is not JSON: %v", err)
	}
	if payload.Status != StatusOffline || payload.Reason != "unexpected_disconnect" {
		t.Errorf("will payload = %+v", payload)
	}
}

func TestBuildStatusPayload(t *testing.T) {
	var payload statusPayload
	if err := json.Unmarshal(buildStatusPayload(StatusOnline, "c1", ""), &payload); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if payload.Status != StatusOnline || payload.ClientID != "c1" {
		t.Errorf("payload = %+v", payload)
	}
	if _, err := time.Parse(time.RFC3339, payload.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", payload.Timestamp, err)
	}
}

// =============================================================================
// Disconnected Client Tests
// =============================================================================

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}
	if client.IsConnected() {
		t.Error("IsConnected() = true for zero client, want false")
	}
}

func TestHealthCheck_Disconnected(t *testing.T) {
	client := &Client{}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestHealthCheck_WrapsConnectionLoss(t *testing.T) {
	client, fake := fakeConnectedClient(Hooks{})
	client.handleConnect()

	lost := errors.New("pingresp not received")
	fake.setConnected(false)
	client.handleConnectionLost(lost)

	err := client.HealthCheck(context.Background())
	if !errors.Is(err, ErrNotConnected) || !errors.Is(err, lost) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected wrapping %v", err, lost)
	}

	fake.setConnected(true)
	client.handleConnect()
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() after reconnect error = %v", err)
	}
}

func TestHealthCheck_Cancelled(t *testing.T) {
	client := &Client{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestPublish_Validation(t *testing.T) {
	client := &Client{}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{name: "empty topic", topic: "", qos: 1, wantErr: ErrInvalidTopic},
		{name: "invalid QoS", topic: "a/b", qos: 3, wantErr: ErrInvalidQoS},
		{name: "oversized payload", topic: "a/b", payload: make([]byte, maxPayloadSize+1), qos: 1, wantErr: ErrPublishFailed},
		{name: "not connected", topic: "a/b", payload: []byte("1"), qos: 1, wantErr: ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribe_Validation(t *testing.T) {
	client := newClient(testConfig(), "meter_001", Hooks{})
	handler := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Subscribe("a", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	if err := client.Subscribe("a", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) error = %v, want ErrSubscribeFailed", err)
	}
	if err := client.Subscribe("a", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe(disconnected) error = %v, want ErrNotConnected", err)
	}
	if client.HasSubscription("a") {
		t.Error("HasSubscription() = true after failed subscribe")
	}
}

func TestQoS(t *testing.T) {
	client := &Client{cfg: testConfig()}
	if client.QoS() != 1 {
		t.Errorf("QoS() = %d, want 1", client.QoS())
	}
}

// =============================================================================
// Handler Wrapping Tests
// =============================================================================

type recordingLogger struct {
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) { l.errors = append(l.errors, msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.warns = append(l.warns, msg) }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestWrapHandler(t *testing.T) {
	logger := &recordingLogger{}
	client := newClient(testConfig(), "meter_001", Hooks{Logger: logger})

	msg := fakeMessage{topic: "homeassistant/status", payload: []byte("online")}

	var got string
	client.wrapHandler(func(_ string, payload []byte) error {
		got = string(payload)
		return nil
	})(nil, msg)
	if got != "online" {
		t.Errorf("handler payload = %q, want online", got)
	}

	client.wrapHandler(func(string, []byte) error {
		return errors.New("boom")
	})(nil, msg)
	if len(logger.warns) != 1 {
		t.Errorf("warns = %d, want 1 after handler error", len(logger.warns))
	}

	client.wrapHandler(func(string, []byte) error {
		panic("bad handler")
	})(nil, msg)
	if len(logger.errors) != 1 {
		t.Errorf("errors = %d, want 1 after handler panic", len(logger.errors))
	}
}

// =============================================================================
// Connection Handling Tests
// =============================================================================

// doneToken is a paho token that has already completed.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakePaho stands in for the paho client so connection handling can be
// exercised without a broker.
type fakePaho struct {
	mu           sync.Mutex
	connected    bool
	published    []published
	subscribed   []string
	disconnected bool
}

func (f *fakePaho) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakePaho) IsConnectionOpen() bool { return f.IsConnected() }
func (f *fakePaho) Connect() pahomqtt.Token {
	f.setConnected(true)
	return doneToken{}
}
func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.disconnected = true
	f.mu.Unlock()
}
func (f *fakePaho) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{}
}
func (f *fakePaho) Subscribe(topic string, _ byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return doneToken{}
}
func (f *fakePaho) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return doneToken{}
}
func (f *fakePaho) Unsubscribe(...string) pahomqtt.Token     { return doneToken{} }
func (f *fakePaho) AddRoute(string, pahomqtt.MessageHandler) {}
func (f *fakePaho) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}
func (f *fakePaho) statuses(t *testing.T, topic string) []statusPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []statusPayload
	for _, p := range f.published {
		if p.topic != topic {
			continue
		}
		if !p.retained {
			t.Errorf("status on %s published without retain", topic)
		}
		var status statusPayload
		if err := json.Unmarshal(p.payload, &status); err != nil {
			t.Fatalf("status payload is not JSON: %v", err)
		}
		out = append(out, status)
	}
	return out
}

func fakeConnectedClient(hooks Hooks) (*Client, *fakePaho) {
	fake := &fakePaho{connected: true}
	client := newClient(testConfig(), "meter_001", hooks)
	client.paho = fake
	return client, fake
}

func TestHandleConnect_PublishesOnlineAndReportsReconnects(t *testing.T) {
	var reconnects []bool
	client, fake := fakeConnectedClient(Hooks{
		OnConnect: func(reconnect bool) { reconnects = append(reconnects, reconnect) },
	})

	client.handleConnect()
	if !client.IsConnected() {
		t.Fatal("IsConnected() = false after connect")
	}

	fake.setConnected(false)
	client.handleConnectionLost(errors.New("EOF"))
	if client.IsConnected() {
		t.Error("IsConnected() = true after connection lost")
	}

	fake.setConnected(true)
	client.handleConnect()

	if len(reconnects) != 2 || reconnects[0] || !reconnects[1] {
		t.Errorf("OnConnect reconnect flags = %v, want [false true]", reconnects)
	}
	if link := client.Link(); link.Reconnects != 1 || link.LastLoss == nil {
		t.Errorf("Link() = %+v, want one reconnect and the last loss", link)
	}

	statuses := fake.statuses(t, "meter2mqtt/meter_001/status")
	if len(statuses) != 2 {
		t.Fatalf("status publishes = %d, want 2", len(statuses))
	}
	for _, s := range statuses {
		if s.Status != StatusOnline {
			t.Errorf("status = %q, want online", s.Status)
		}
	}
}

func TestHandleConnectionLost_RunsHook(t *testing.T) {
	var got error
	client, _ := fakeConnectedClient(Hooks{
		OnConnectionLost: func(err error) { got = err },
	})

	lost := errors.New("connection reset")
	client.handleConnectionLost(lost)
	if !errors.Is(got, lost) {
		t.Errorf("OnConnectionLost error = %v, want %v", got, lost)
	}
}

func TestHandleConnect_RestoresSubscriptions(t *testing.T) {
	client, fake := fakeConnectedClient(Hooks{})
	client.handleConnect()

	birth := HomeAssistantStatus("homeassistant")
	if err := client.Subscribe(birth, 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	fake.setConnected(false)
	client.handleConnectionLost(errors.New("EOF"))
	fake.setConnected(true)
	client.handleConnect()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.subscribed) != 2 || fake.subscribed[1] != birth {
		t.Errorf("subscribed = %v, want %s twice", fake.subscribed, birth)
	}
}

func TestClose_PublishesGracefulOffline(t *testing.T) {
	client, fake := fakeConnectedClient(Hooks{})
	client.handleConnect()

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if !fake.disconnected {
		t.Error("paho client not disconnected")
	}

	statuses := fake.statuses(t, "meter2mqtt/meter_001/status")
	last := statuses[len(statuses)-1]
	if last.Status != StatusOffline || last.Reason != "graceful_shutdown" {
		t.Errorf("last status = %+v, want graceful offline", last)
	}
}
