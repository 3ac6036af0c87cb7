package ingest

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/Shopify/sarama"

	"oee-monitor-backend/config"
)

// KafkaSource buffers samples arriving on a Kafka topic and hands them to the
// ingest service one poll cycle at a time. Partitioning by device upstream
// keeps per-device arrival order intact.
type KafkaSource struct {
	cfg      config.KafkaConfig
	group    sarama.ConsumerGroup
	mu       sync.Mutex
	buffered []Sample
}

// NewKafkaSource creates a consumer-group-backed sample source.
func NewKafkaSource(cfg config.KafkaConfig) (*KafkaSource, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Return.Errors = true
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaConfig)
	if err != nil {
		return nil, err
	}

	return &KafkaSource{cfg: cfg, group: group}, nil
}

// Run consumes the sample topic until the context is cancelled.
func (k *KafkaSource) Run(ctx context.Context) {
	go func() {
		for err := range k.group.Errors() {
			log.Printf("Kafka sample source error: %v", err)
		}
	}()

	handler := &sampleHandler{source: k, ctx: ctx}
	for {
		if ctx.Err() != nil {
			return
		}
		if err := k.group.Consume(ctx, []string{k.cfg.Topic}, handler); err != nil {
			if err == context.Canceled {
				return
			}
			log.Printf("Kafka consume error: %v", err)
		}
	}
}

// Poll drains the buffered samples.
func (k *KafkaSource) Poll(ctx context.Context) ([]Sample, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.buffered) == 0 {
		return nil, nil
	}
	samples := k.buffered
	k.buffered = nil
	return samples, nil
}

// Close shuts down the consumer group.
func (k *KafkaSource) Close() error {
	return k.group.Close()
}

func (k *KafkaSource) add(sample Sample) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.buffered = append(k.buffered, sample)
}

// sampleHandler implements sarama.ConsumerGroupHandler.
type sampleHandler struct {
	source *KafkaSource
	ctx    context.Context
}

func (h *sampleHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *sampleHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *sampleHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if h.ctx.Err() != nil {
			return h.ctx.Err()
		}

		var sample Sample
		if err := json.Unmarshal(message.Value, &sample); err != nil {
			log.Printf("Error unmarshalling sample message: %v", err)
			session.MarkMessage(message, "")
			continue
		}

		h.source.add(sample)
		session.MarkMessage(message, "")
	}
	return nil
}
