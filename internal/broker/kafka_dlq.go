package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"

	"github.com/IliaW/doc-harvester/config"
)

const dlqBufferSize = 256

// KafkaDLQClient records documents that could not be fetched and queue messages that could not be parsed.
// Messages are written by a background goroutine so a slow broker never stalls the caller.
type KafkaDLQClient struct {
	kafkaWriter messageWriter
	serviceName string
	dlqChan     chan kafka.Message
	done        chan struct{}
	mu          sync.RWMutex
	closed      bool
}

type DLQMessage struct {
	ServiceName  string    `json:"serviceName"`
	URL          string    `json:"url"`
	ErrorMessage string    `json:"errorMessage"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewKafkaDLQ - kafka client for dead-letter queue topic
func NewKafkaDLQ(serviceName string, cfg *config.ProducerConfig) *KafkaDLQClient {
	kafkaWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Addr...),
		Topic:        cfg.DeadLetterTopicName,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Error("failed to send messages to kafka DLQ.", slog.String("err", err.Error()))
			}
		},
		Compression: kafka.Compression(new(lz4.Codec).Code()),
	}
	return newKafkaDLQ(kafkaWriter, serviceName, dlqBufferSize)
}

func newKafkaDLQ(w messageWriter, serviceName string, bufferSize int) *KafkaDLQClient {
	dlq := &KafkaDLQClient{
		kafkaWriter: w,
		serviceName: serviceName,
		dlqChan:     make(chan kafka.Message, bufferSize),
		done:        make(chan struct{}),
	}
	go dlq.run()
	return dlq
}

// SendUrlToDLQ never blocks. When the buffer is full or the client is closed the message is dropped and logged.
func (dlq *KafkaDLQClient) SendUrlToDLQ(url string, err error) {
	msg := DLQMessage{
		ServiceName:  dlq.serviceName,
		URL:          url,
		ErrorMessage: err.Error(),
		Timestamp:    time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshaling error.", slog.String("err", err.Error()), slog.Any("message", msg))
		return
	}

	dlq.mu.RLock()
	defer dlq.mu.RUnlock()
	if dlq.closed {
		slog.Warn("dead-letter queue is closed. Dropping message.", slog.String("url", url))
		return
	}
	select {
	case dlq.dlqChan <- kafka.Message{Key: []byte(url), Value: body}:
	default:
		slog.Error("dead-letter queue buffer is full. Dropping message.", slog.String("url", url))
	}
}

func (dlq *KafkaDLQClient) run() {
	defer close(dlq.done)
	for m := range dlq.dlqChan {
		if err := dlq.kafkaWriter.WriteMessages(context.Background(), m); err != nil {
			slog.Error("failed to send message to dead-letter queue.", slog.String("url", string(m.Key)),
				slog.String("err", err.Error()))
			continue
		}
		slog.Debug("successfully sent message to dead-letter queue.", slog.String("url", string(m.Key)))
	}
}

// Close flushes the buffered messages and closes the writer.
func (dlq *KafkaDLQClient) Close() {
	dlq.mu.Lock()
	if dlq.closed {
		dlq.mu.Unlock()
		return
	}
	dlq.closed = true
	close(dlq.dlqChan)
	dlq.mu.Unlock()

	<-dlq.done
	if err := dlq.kafkaWriter.Close(); err != nil {
		slog.Error("failed to close kafka DLQ writer.", slog.String("err", err.Error()))
	}
}
