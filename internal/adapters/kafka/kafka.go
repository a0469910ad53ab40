package kafka

import (
	"github.com/IBM/sarama"
)

// InitKafkaProducer builds the synchronous producer used by the event sink.
// Events are keyed by connection id so one client's events stay ordered.
func InitKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	config := NewProducerConfig()

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return producer, nil
}

func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_0_0_0
	config.ClientID = "vis-service"
	config.Producer.MaxMessageBytes = 64 * 1024
	return config
}
