// Package notify publishes transaction transition events.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"taskmarket/internal/process"
)

type TransitionEvent struct {
	TransactionID string             `json:"transactionId"`
	TaskID        string             `json:"taskId"`
	Transition    process.Transition `json:"transition"`
	State         process.State      `json:"state"`
	ActorID       string             `json:"actorId"`
	Timestamp     time.Time          `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, event TransitionEvent) error
	Close() error
}

type kafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafka publishes events keyed by task id so a task's events stay ordered.
func NewKafka(brokers []string, topic string) Publisher {
	return &kafkaPublisher{writer: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}}
}

func (p *kafkaPublisher) Publish(ctx context.Context, event TransitionEvent) error {
	msg, err := message(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func message(event TransitionEvent) (kafka.Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(event.TaskID),
		Value: payload,
		Time:  event.Timestamp,
	}, nil
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}

// Log writes events to a logger; used when no broker is configured.
type Log struct {
	Logger *log.Logger
}

func (l Log) Publish(ctx context.Context, event TransitionEvent) error {
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("transition %s tx=%s task=%s state=%s actor=%s", event.Transition, event.TransactionID, event.TaskID, event.State, event.ActorID)
	return nil
}

func (Log) Close() error { return nil }

type Nop struct{}

func (Nop) Publish(context.Context, TransitionEvent) error { return nil }
func (Nop) Close() error                                  { return nil }
