// Package telemetry publishes MAC lifecycle events (transmitted, acked,
// dropped, station joined) to an MQTT broker, mirroring the teacher's
// publish-metrics-over-MQTT pattern but carrying per-event records instead
// of periodic gauge snapshots.
package telemetry

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Event is one MAC lifecycle record.
type Event struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Protocol  string `json:"protocol"` // "csma" or "tdma"; "node" for node-level events
	MAC       string `json:"mac"`
	Kind      string `json:"kind"` // "transmitted", "acked", "dropped", "station_joined"; "started" for the node
	Detail    string `json:"detail,omitempty"`
}

// Publisher pushes Events to a topic on an MQTT broker.
type Publisher struct {
	client mqtt.Client
	topic  string
	logger *log.Logger
}

// NewPublisher connects to broker and returns a ready Publisher. clientID
// is generated when empty, matching the teacher's generateClientID helper.
func NewPublisher(broker, clientID, topic string, logger *log.Logger) (*Publisher, error) {
	if clientID == "" {
		clientID = generateClientID()
	}
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("telemetry: connect to %s: %w", broker, tok.Error())
	}
	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

// Publish emits one lifecycle event, assigning it a fresh correlation id.
func (p *Publisher) Publish(protocol, mac, kind, detail string) {
	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Protocol:  protocol,
		MAC:       mac,
		Kind:      kind,
		Detail:    detail,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		p.logf("telemetry: marshal event: %v", err)
		return
	}
	tok := p.client.Publish(p.topic, 0, false, b)
	go func() {
		tok.Wait()
		if err := tok.Error(); err != nil {
			p.logf("telemetry: publish failed: %v", err)
		}
	}()
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

func (p *Publisher) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

func generateClientID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "sdrmac_" + hex.EncodeToString(b)
}
