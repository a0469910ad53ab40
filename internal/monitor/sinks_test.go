package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isRedisAvailable() bool {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	_, err := client.Ping(ctx).Result()
	return err == nil
}

type recordingPublisher struct {
	channel string
	payload interface{}
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, payload interface{}) error {
	p.channel = channel
	p.payload = payload
	return p.err
}

func TestRedisSinkUsesChannel(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewRedisSink(pub, "vis:events")

	ev := Event{Type: EventAccept, ConnectionID: "c-1"}
	require.NoError(t, sink.Publish(context.Background(), ev))
	assert.Equal(t, "vis:events", pub.channel)
	assert.Equal(t, ev, pub.payload)
	assert.NoError(t, sink.Close())
}

func TestRedisSinkWrapsFailure(t *testing.T) {
	pub := &recordingPublisher{err: redis.ErrClosed}
	sink := NewRedisSink(pub, "vis:events")

	err := sink.Publish(context.Background(), Event{Type: EventReject})
	require.Error(t, err)
	assert.ErrorIs(t, err, redis.ErrClosed)
	assert.Contains(t, err.Error(), "vis:events")
}

// clientPublisher publishes straight through a go-redis client
type clientPublisher struct {
	client *redis.Client
}

func (p clientPublisher) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, channel, data).Err()
}

func TestRedisSinkDeliversToSubscriber(t *testing.T) {
	if !isRedisAvailable() {
		t.Skip("Redis not available, skipping test")
	}

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	channel := "vis:events:test"
	pubsub := client.Subscribe(ctx, channel)
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(clientPublisher{client: client}, channel)
	require.NoError(t, sink.Publish(ctx, Event{Type: EventAccept, ConnectionID: "c-1", Timestamp: time.Now()}))

	msg, err := pubsub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
	assert.Equal(t, EventAccept, ev.Type)
	assert.Equal(t, "c-1", ev.ConnectionID)
}

func TestKafkaSinkProducesKeyedJSON(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.Type != EventHangup || ev.ConnectionID != "c-9" {
			return errors.New("unexpected event payload")
		}
		return nil
	})

	sink := NewKafkaSink(producer, "vis-events")
	err := sink.Publish(context.Background(), Event{Type: EventHangup, ConnectionID: "c-9", Timestamp: time.Now()})
	require.NoError(t, err)
	require.NoError(t, sink.Close())
}

func TestKafkaSinkReturnsProducerError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sink := NewKafkaSink(producer, "vis-events")
	err := sink.Publish(context.Background(), Event{Type: EventWriteError})
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, sink.Close())
}

func TestKafkaSinkHonoursCancelledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	sink := NewKafkaSink(producer, "vis-events")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sink.Publish(ctx, Event{Type: EventAccept})
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, sink.Close())
}

type failingSink struct {
	calls int
}

func (s *failingSink) Publish(ctx context.Context, ev Event) error {
	s.calls++
	return errors.New("sink down")
}

func (s *failingSink) Close() error { return nil }

func TestAsHookLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	sink := &failingSink{}
	AsHook(sink, logger, time.Second)(Event{Type: EventReap})

	assert.Equal(t, 1, sink.calls)
	assert.Contains(t, buf.String(), "Failed to publish monitor event")
	assert.Contains(t, buf.String(), "sink down")
}
