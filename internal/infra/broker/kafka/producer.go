package kafka

import (
	"context"
	"sort"
	"time"

	"github.com/IBM/sarama"
)

// Message is one record for the chat events topic.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
}

type Producer struct {
	sync sarama.SyncProducer
}

// NewProducer connects an idempotent producer that waits for all in-sync
// replicas.
func NewProducer(brokers []string, cfg *sarama.Config) (*Producer, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.ClientID = "agrichat"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	cfg.Net.MaxOpenRequests = 1
	sync, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Producer{sync: sync}, nil
}

// NewProducerFrom wraps an existing sarama producer.
func NewProducerFrom(sync sarama.SyncProducer) *Producer {
	return &Producer{sync: sync}
}

func (p *Producer) Send(ctx context.Context, msgs ...Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch len(msgs) {
	case 0:
		return nil
	case 1:
		_, _, err := p.sync.SendMessage(toProducerMessage(msgs[0]))
		return err
	}
	batch := make([]*sarama.ProducerMessage, 0, len(msgs))
	for _, m := range msgs {
		batch = append(batch, toProducerMessage(m))
	}
	return p.sync.SendMessages(batch)
}

func toProducerMessage(m Message) *sarama.ProducerMessage {
	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	hs := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		hs = append(hs, sarama.RecordHeader{Key: []byte(k), Value: []byte(m.Headers[k])})
	}
	return &sarama.ProducerMessage{
		Topic:   m.Topic,
		Key:     sarama.StringEncoder(m.Key),
		Value:   sarama.ByteEncoder(m.Payload),
		Headers: hs,
	}
}

func (p *Producer) Close() error {
	if p.sync == nil {
		return nil
	}
	return p.sync.Close()
}
