// Package events forwards settled trades to Kafka for downstream consumers
// (reporting, surveillance).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/liquidibond/pkg/app/core/audit"
)

const (
	EventTypeHeader   = "event-type"
	TradeSettledEvent = "trade.settled"

	flushTimeout = 5 * time.Second
)

// MessageWriter is the subset of *kafka.Writer the publisher needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a synchronous writer; asynchrony comes from the
// publisher's queue.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// TradePublisher is a matching.TradeSink. OnTrade never blocks the matching
// pass: messages are queued and written by Run. When the queue is full the
// message is dropped and counted.
type TradePublisher struct {
	w       MessageWriter
	queue   chan kafka.Message
	dropped atomic.Uint64
	logger  *zap.Logger
}

func NewTradePublisher(w MessageWriter, buffer int, logger *zap.Logger) *TradePublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &TradePublisher{
		w:      w,
		queue:  make(chan kafka.Message, buffer),
		logger: logger,
	}
}

// Encode builds the Kafka message for a settled trade. Messages are keyed by
// symbol so one instrument's trades stay ordered within a partition.
func Encode(t audit.Trade) (kafka.Message, error) {
	value, err := json.Marshal(t)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode trade %s: %w", t.ID, err)
	}
	return kafka.Message{
		Key:   []byte(t.Symbol),
		Value: value,
		Time:  t.Timestamp,
		Headers: []kafka.Header{
			{Key: EventTypeHeader, Value: []byte(TradeSettledEvent)},
		},
	}, nil
}

func (p *TradePublisher) OnTrade(t audit.Trade) {
	if t.Aborted() {
		return
	}
	msg, err := Encode(t)
	if err != nil {
		p.logger.Error("trade_encode_failed", zap.String("trade_id", t.ID), zap.Error(err))
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.dropped.Add(1)
		p.logger.Warn("trade_event_dropped", zap.String("trade_id", t.ID), zap.Uint64("dropped", p.dropped.Load()))
	}
}

// Dropped returns how many messages were discarded on a full queue
func (p *TradePublisher) Dropped() uint64 { return p.dropped.Load() }

// Run writes queued messages until ctx is cancelled, then flushes what is
// left in the queue.
func (p *TradePublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.flush(nil)
			return nil
		case msg := <-p.queue:
			batch := p.drain([]kafka.Message{msg})
			if err := p.w.WriteMessages(ctx, batch...); err != nil {
				if ctx.Err() != nil {
					// shutdown cut the write short; retry it with the rest of the queue
					p.flush(batch)
					return nil
				}
				p.logger.Error("trade_publish_failed", zap.Int("messages", len(batch)), zap.Error(err))
			}
		}
	}
}

func (p *TradePublisher) drain(batch []kafka.Message) []kafka.Message {
	for {
		select {
		case msg := <-p.queue:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
}

// flush writes batch plus everything still queued under its own timeout
func (p *TradePublisher) flush(batch []kafka.Message) {
	batch = p.drain(batch)
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := p.w.WriteMessages(ctx, batch...); err != nil {
		p.logger.Error("trade_flush_failed", zap.Int("messages", len(batch)), zap.Error(err))
	}
}

func (p *TradePublisher) Close() error {
	return p.w.Close()
}
