package meter

import (
	"context"
	"errors"
	"sync"
	"time"
)

// mockPublisher implements Publisher for testing.
type mockPublisher struct {
	mu        sync.Mutex
	connected bool
	failOn    map[string]bool
	messages  []publishedMessage
}

type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func newMockPublisher(connected bool) *mockPublisher {
	return &mockPublisher{connected: connected, failOn: make(map[string]bool)}
}

func (m *mockPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn[topic] {
		return errors.New("publish rejected")
	}
	m.messages = append(m.messages, publishedMessage{
		topic:    topic,
		payload:  payload,
		qos:      qos,
		retained: retained,
	})
	return nil
}

func (m *mockPublisher) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockPublisher) getMessages() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]publishedMessage, len(m.messages))
	copy(result, m.messages)
	return result
}

// byTopic returns the last message published to topic.
func (m *mockPublisher) byTopic(topic string) (publishedMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].topic == topic {
			return m.messages[i], true
		}
	}
	return publishedMessage{}, false
}

func (m *mockPublisher) reset() {
	m.mu.Lock()
	m.messages = nil
	m.mu.Unlock()
}

// mockFetcher implements Fetcher with canned responses per URL.
type mockFetcher struct {
	mu        sync.Mutex
	responses map[string][]byte
	errs      map[string]error
	calls     []string
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{
		responses: make(map[string][]byte),
		errs:      make(map[string]error),
	}
}

func (m *mockFetcher) set(url, body string) {
	m.mu.Lock()
	m.responses[url] = []byte(body)
	m.mu.Unlock()
}

func (m *mockFetcher) fail(url string, err error) {
	m.mu.Lock()
	m.errs[url] = err
	m.mu.Unlock()
}

func (m *mockFetcher) Get(_ context.Context, url string, _ time.Duration) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, url)
	if err, ok := m.errs[url]; ok {
		return nil, err
	}
	body, ok := m.responses[url]
	if !ok {
		return nil, &StatusError{URL: url, StatusCode: 404}
	}
	return body, nil
}

func (m *mockFetcher) getCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, len(m.calls))
	copy(result, m.calls)
	return result
}

// recordingLogger implements Logger and keeps warnings and errors.
type recordingLogger struct {
	mu     sync.Mutex
	warns  []string
	errors []string
}

func (l *recordingLogger) Debug(string, ...any) {}
func (l *recordingLogger) Info(string, ...any)  {}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) warnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}

func (l *recordingLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

const identityXML = `<?xml version="1.0" encoding="UTF-8"?>
<EndDevice xmlns="urn:ieee:std:2030.5:ns" href="/sdev">
  <sFDI>123</sFDI>
  <DeviceInformation href="/sdev/di">
    <mfID>9</mfID>
    <swVer>3.2.1</swVer>
  </DeviceInformation>
</EndDevice>`

const demandXML = `<?xml version="1.0" encoding="UTF-8"?>
<Reading xmlns="urn:ieee:std:2030.5:ns" href="/upt/1/mr/1/r">
  <timePeriod>
    <duration>1</duration>
    <start>1753820381</start>
  </timePeriod>
  <value>1520</value>
</Reading>`

const summationXML = `<?xml version="1.0" encoding="UTF-8"?>
<Reading xmlns="urn:ieee:std:2030.5:ns" href="/upt/1/mr/2/r">
  <timePeriod>
    <duration>1</duration>
    <start>1753820381</start>
  </timePeriod>
  <touTier>1</touTier>
  <value>1000</value>
</Reading>`

const receivedXML = `<?xml version="1.0" encoding="UTF-8"?>
<Reading xmlns="urn:ieee:std:2030.5:ns" href="/upt/1/mr/3/r">
  <touTier>0</touTier>
  <value>42</value>
</Reading>`
