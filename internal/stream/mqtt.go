package stream

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/loouq/bgxcore/internal/action"
	"github.com/loouq/bgxcore/internal/constants"
)

// MQTTReceiver delivers a message matched against a subscription.
// properties is whatever portion of the decoded topic extends past the
// subscribed prefix (empty for an exact, non-wildcard subscription).
type MQTTReceiver func(topic, properties string, payload []byte)

type mqttSub struct {
	active   bool
	prefix   string
	qos      int
	receiver MQTTReceiver
}

// MQTT owns the single BGx MQTT client (clientIdx 5, per the modem's
// fixed MQTT socket id) and its subscription table (§4.6).
type MQTT struct {
	mu sync.Mutex

	lock      *action.Lock
	clientIdx int
	yield     func()

	msgCounter uint16
	subs       [constants.MaxMQTTSubscriptions]mqttSub
}

// MQTTConfig bundles MQTT's downward dependencies.
type MQTTConfig struct {
	Lock      *action.Lock
	ClientIdx int
	Yield     func()
}

// NewMQTT builds an MQTT client bound to clientIdx (5 on the BGx).
func NewMQTT(cfg MQTTConfig) *MQTT {
	return &MQTT{
		lock:      cfg.Lock,
		clientIdx: cfg.ClientIdx,
		yield:     cfg.Yield,
	}
}

func mqttOpenStatus(code action.StatusCode) action.StatusCode {
	switch code {
	case 899, 903, 905:
		return action.StatusGone
	case 901:
		return action.StatusBadRequest
	case 902:
		return action.StatusConflict
	case 904:
		return action.StatusNotFound
	case action.StatusSuccess:
		return action.StatusSuccess
	default:
		return action.StatusError
	}
}

func mqttConnectStatus(code action.StatusCode) action.StatusCode {
	switch code {
	case 901, 902, 904:
		return action.StatusBadRequest
	case 903:
		return action.StatusUnavailable
	case 905:
		return action.StatusForbidden
	case action.StatusSuccess:
		return action.StatusSuccess
	default:
		return action.StatusError
	}
}

// Open establishes the TCP/TLS leg underneath MQTT, matching mqtt_open.
func (m *MQTT) Open(host string, port int, sslVersion int) action.StatusCode {
	cmd := fmt.Sprintf("AT+QMTOPEN=%d,\"%s\",%d", m.clientIdx, host, port)
	parser := action.ServiceResponseParser("+QMTOPEN: ", 1)
	if !m.lock.TryInvokeAdv(cmd, constants.ActionRetriesDefault, constants.ActionTimeoutDefault, parser) {
		return action.StatusConflict
	}
	result := m.lock.AwaitResult(true, m.yield)
	return mqttOpenStatus(result.StatusCode)
}

// Close tears down the MQTT client, matching mqtt_close.
func (m *MQTT) Close() action.StatusCode {
	cmd := fmt.Sprintf("AT+QMTCLOSE=%d", m.clientIdx)
	if !m.lock.TryInvoke(cmd) {
		return action.StatusConflict
	}
	result := m.lock.AwaitResult(true, m.yield)

	m.mu.Lock()
	m.subs = [constants.MaxMQTTSubscriptions]mqttSub{}
	m.mu.Unlock()
	return result.StatusCode
}

// Connect performs the MQTT-level CONNECT handshake, matching
// mqtt_connect.
func (m *MQTT) Connect(clientID, username, password string, sessionClean bool) action.StatusCode {
	clean := 0
	if sessionClean {
		clean = 1
	}
	cmd := fmt.Sprintf("AT+QMTCFG=\"session\",%d,%d", m.clientIdx, clean)
	if !m.lock.TryInvoke(cmd) {
		return action.StatusConflict
	}
	if result := m.lock.AwaitResult(true, m.yield); result.StatusCode != action.StatusSuccess {
		return result.StatusCode
	}

	var connCmd string
	if username != "" {
		connCmd = fmt.Sprintf("AT+QMTCONN=%d,\"%s\",\"%s\",\"%s\"", m.clientIdx, clientID, username, password)
	} else {
		connCmd = fmt.Sprintf("AT+QMTCONN=%d,\"%s\"", m.clientIdx, clientID)
	}
	// Field 2 is the CONNACK ret_code: 0 accepted, 1-5 a refusal (901-905).
	parser := action.ServiceResponseParser("+QMTCONN: ", 2)
	if !m.lock.TryInvokeAdv(connCmd, constants.ActionRetriesDefault, constants.ActionTimeoutDefault, parser) {
		return action.StatusConflict
	}
	result := m.lock.AwaitResult(true, m.yield)
	return mqttConnectStatus(result.StatusCode)
}

// Subscribe registers receiver against topic, matching mqtt_subscribe.
// A trailing '#' is stripped from the stored prefix so inbound topics
// can be matched with a plain string-prefix test.
func (m *MQTT) Subscribe(topic string, qos int, receiver MQTTReceiver) action.StatusCode {
	if receiver == nil {
		return action.StatusBadRequest
	}
	prefix := strings.TrimSuffix(topic, "#")

	m.mu.Lock()
	slot := -1
	for i := range m.subs {
		if !m.subs[i].active {
			slot = i
			break
		}
	}
	m.mu.Unlock()
	if slot == -1 {
		return action.StatusConflict
	}

	msgID := m.nextMsgID()
	cmd := fmt.Sprintf("AT+QMTSUB=%d,%d,\"%s\",%d", m.clientIdx, msgID, topic, qos)
	parser := action.ServiceResponseParser("+QMTSUB: ", 2)
	if !m.lock.TryInvokeAdv(cmd, constants.ActionRetriesDefault, constants.ActionTimeoutDefault, parser) {
		return action.StatusConflict
	}
	result := m.lock.AwaitResult(true, m.yield)
	if result.StatusCode == action.StatusSuccess {
		m.mu.Lock()
		m.subs[slot] = mqttSub{active: true, prefix: prefix, qos: qos, receiver: receiver}
		m.mu.Unlock()
	}
	return result.StatusCode
}

// Unsubscribe removes a prior subscription, matching mqtt_unsubscribe.
func (m *MQTT) Unsubscribe(topic string) action.StatusCode {
	prefix := strings.TrimSuffix(topic, "#")

	m.mu.Lock()
	slot := -1
	for i := range m.subs {
		if m.subs[i].active && m.subs[i].prefix == prefix {
			slot = i
			break
		}
	}
	m.mu.Unlock()
	if slot == -1 {
		return action.StatusNotFound
	}

	msgID := m.nextMsgID()
	cmd := fmt.Sprintf("AT+QMTUNS=%d,%d,\"%s\"", m.clientIdx, msgID, topic)
	if !m.lock.TryInvoke(cmd) {
		return action.StatusConflict
	}
	result := m.lock.AwaitResult(true, m.yield)
	if result.StatusCode == action.StatusSuccess {
		m.mu.Lock()
		m.subs[slot] = mqttSub{}
		m.mu.Unlock()
	}
	return result.StatusCode
}

// Publish sends message on topic at the given QoS, matching
// mqtt_publish: issues AT+QMTPUB, awaits the data prompt, then streams
// the payload terminated with Ctrl-Z.
func (m *MQTT) Publish(topic string, qos int, message []byte) action.StatusCode {
	var msgID uint16
	if qos > 0 {
		msgID = m.nextMsgID()
	}

	cmd := fmt.Sprintf("AT+QMTPUB=%d,%d,%d,0,\"%s\"", m.clientIdx, msgID, qos, topic)
	promptParser := action.DefaultParser("", false, 0, "> ")
	if !m.lock.TryInvokeAdv(cmd, constants.ActionRetriesDefault, constants.ActionRetryInterval, promptParser) {
		return action.StatusConflict
	}
	result := m.lock.AwaitResult(false, m.yield)
	if result.StatusCode != action.StatusSuccess {
		return result.StatusCode
	}

	completeParser := action.ServiceResponseParser("+QMTPUB: ", 2)
	if err := m.lock.SendRawWithEOT(message, []byte{0x1A}, constants.ActionTimeoutDefault, completeParser); err != nil {
		return action.StatusError
	}
	return m.lock.AwaitResult(true, m.yield).StatusCode
}

func (m *MQTT) nextMsgID() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgCounter++
	if m.msgCounter == 0 {
		m.msgCounter = 1
	}
	return m.msgCounter
}

// OnMessage is wired as iop.Handlers.OnMQTTMessage: it decodes a
// "<client>,<msgid>,\"<topic>\",\"<payload>\"" body and dispatches it
// to whichever subscription's prefix matches the decoded topic.
func (m *MQTT) OnMessage(data []byte) {
	topic, payload, ok := parseRecv(data)
	if !ok {
		return
	}
	decodedTopic := string(urlDecode(topic))

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.subs {
		sub := m.subs[i]
		if !sub.active {
			continue
		}
		if strings.HasPrefix(decodedTopic, sub.prefix) {
			props := decodedTopic[len(sub.prefix):]
			sub.receiver(decodedTopic, props, payload)
			return
		}
	}
}

// parseRecv splits a +QMTRECV body ("<client>,<msgid>,\"topic\",\"payload\"")
// into its topic and payload fields, skipping the leading numeric
// fields. The body still ends with the close-quote+CRLF EOT phrase iop
// frames MQTT receives with; the CRLF is trimmed here and the payload
// runs up to the last quote.
func parseRecv(body []byte) (topic []byte, payload []byte, ok bool) {
	rest := bytes.TrimSuffix(body, []byte("\r\n"))

	rest, ok = skipIntField(rest)
	if !ok {
		return nil, nil, false
	}
	rest, ok = skipIntField(rest)
	if !ok {
		return nil, nil, false
	}

	if len(rest) == 0 || rest[0] != '"' {
		return nil, nil, false
	}
	rest = rest[1:]
	end := bytes.IndexByte(rest, '"')
	if end < 0 {
		return nil, nil, false
	}
	topic = rest[:end]
	rest = rest[end+1:]

	if len(rest) == 0 || rest[0] != ',' {
		return nil, nil, false
	}
	rest = rest[1:]
	if len(rest) == 0 || rest[0] != '"' {
		return nil, nil, false
	}
	rest = rest[1:]
	pend := bytes.LastIndexByte(rest, '"')
	if pend < 0 {
		return nil, nil, false
	}
	payload = rest[:pend]
	return topic, payload, true
}

func skipIntField(b []byte) ([]byte, bool) {
	idx := bytes.IndexByte(b, ',')
	if idx < 0 {
		return nil, false
	}
	if _, err := strconv.Atoi(string(b[:idx])); err != nil {
		return nil, false
	}
	return b[idx+1:], true
}
