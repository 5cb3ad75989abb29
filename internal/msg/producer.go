// Package msg exports order events to Kafka.
package msg

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"tickrelay/internal/domain"
)

// TopicOrderEvents is the default topic for order results.
const TopicOrderEvents = "orders.events"

const produceTimeout = 5 * time.Second

// OrderEventMsg is the JSON payload of one order event.
type OrderEventMsg struct {
	EventID       string `json:"event_id"`
	BrokerOrderID string `json:"broker_order_id,omitempty"`
	ConnectionID  string `json:"connection_id"`
	Instrument    string `json:"instrument"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	OrderType     string `json:"order_type"`
	LimitPrice    string `json:"limit_price,omitempty"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	TsUnixMillis  int64  `json:"ts_unix_millis"`
}

// NewOrderEvent builds the event for intent's result.
func NewOrderEvent(intent domain.TradeIntent, res domain.OrderResult) OrderEventMsg {
	ev := OrderEventMsg{
		EventID:       res.TradeIntentID,
		BrokerOrderID: res.BrokerOrderID,
		ConnectionID:  res.ConnectionID,
		Instrument:    intent.Instrument.String(),
		Side:          string(intent.Side),
		Qty:           intent.Quantity.String(),
		OrderType:     string(intent.OrderType),
		Status:        string(res.Status),
		Reason:        res.Reason,
		TsUnixMillis:  res.At.UnixMilli(),
	}
	if intent.OrderType == domain.OrderTypeLimit {
		ev.LimitPrice = intent.LimitPrice.String()
	}
	return ev
}

// syncProducer is the subset of *kgo.Client the Producer needs.
type syncProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Producer publishes order events to Kafka, keyed by intent ID so every
// event of an intent lands on one partition.
type Producer struct {
	client       syncProducer
	topic        string
	log          *slog.Logger
	produceCount atomic.Int64
	errorCount   atomic.Int64
}

// NewProducer creates a Producer for brokers.
func NewProducer(brokers []string, clientID, topic string, log *slog.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
	}
	if clientID != "" {
		opts = append(opts, kgo.ClientID(clientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}

	p := newProducer(client, topic, log)
	p.log.Info("producer initialized", "brokers", brokers, "topic", p.topic)
	return p, nil
}

func newProducer(client syncProducer, topic string, log *slog.Logger) *Producer {
	if topic == "" {
		topic = TopicOrderEvents
	}
	if log == nil {
		log = slog.Default()
	}
	return &Producer{client: client, topic: topic, log: log.With("component", "kafka")}
}

// Export publishes the result of intent. It waits at most five seconds for
// the broker acknowledgement.
func (p *Producer) Export(ctx context.Context, intent domain.TradeIntent, res domain.OrderResult) error {
	data, err := json.Marshal(NewOrderEvent(intent, res))
	if err != nil {
		p.errorCount.Add(1)
		return fmt.Errorf("marshaling order event: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(res.TradeIntentID),
		Value: data,
	}

	produceCtx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()

	if err := p.client.ProduceSync(produceCtx, record).FirstErr(); err != nil {
		p.errorCount.Add(1)
		return fmt.Errorf("producing order event %s: %w", res.TradeIntentID, err)
	}
	p.produceCount.Add(1)
	return nil
}

// Stats returns the number of produced and failed events.
func (p *Producer) Stats() (produced, failed int64) {
	return p.produceCount.Load(), p.errorCount.Load()
}

// Close flushes and closes the Kafka client.
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
	produced, failed := p.Stats()
	p.log.Info("producer closed", "produced", produced, "errors", failed)
}
