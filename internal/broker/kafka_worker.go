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
	"github.com/IliaW/doc-harvester/internal/model"
	"github.com/IliaW/doc-harvester/internal/telemetry"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducerClient publishes queue-mode discovery results keyed by the scanned URL.
type KafkaProducerClient struct {
	kafkaChan   <-chan *model.ScanResult
	kafkaWriter messageWriter
	metrics     *telemetry.KafkaMetrics
	cfg         *config.ProducerConfig
	wg          *sync.WaitGroup
}

func NewKafkaProducer(kafkaChan <-chan *model.ScanResult, metrics *telemetry.KafkaMetrics, cfg *config.ProducerConfig,
	wg *sync.WaitGroup) *KafkaProducerClient {
	kafkaWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Addr...),
		Topic:        cfg.WriteTopicName,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  cfg.MaxAttempts,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: 100 * time.Millisecond,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAsks),
		Async:        cfg.Async,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Error("failed to send messages to kafka.", slog.String("err", err.Error()))
			}
		},
		Compression: kafka.Compression(new(lz4.Codec).Code()),
	}
	return &KafkaProducerClient{
		kafkaChan:   kafkaChan,
		kafkaWriter: kafkaWriter,
		metrics:     metrics,
		cfg:         cfg,
		wg:          wg,
	}
}

// Run batches results until the batch is full or the batch timeout fires. It returns once kafkaChan is
// closed and the last batch is written.
func (p *KafkaProducerClient) Run() {
	slog.Info("starting kafka producer...", slog.String("topic", p.cfg.WriteTopicName))
	defer p.wg.Done()
	defer func() {
		if err := p.kafkaWriter.Close(); err != nil {
			slog.Error("failed to close kafka writer.", slog.String("err", err.Error()))
		}
	}()

	batchSize := max(p.cfg.BatchSize, 1)
	batch := make([]kafka.Message, 0, batchSize)
	batchTimeout := p.cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}
	batchTicker := time.NewTicker(batchTimeout)
	defer batchTicker.Stop()
	for {
		select {
		case <-batchTicker.C:
			if len(batch) == 0 {
				continue
			}
			p.writeMessage(batch)
			batch = batch[:0]
		case result, ok := <-p.kafkaChan:
			if !ok {
				if len(batch) > 0 {
					p.writeMessage(batch)
				}
				slog.Info("stopping kafka writer.")
				return
			}
			body, err := json.Marshal(result)
			if err != nil {
				slog.Error("marshaling error.", slog.String("err", err.Error()), slog.Any("result", result))
				p.metrics.FailMsgCnt(1)
				continue
			}
			batch = append(batch, kafka.Message{
				Key:   []byte(result.ScannedURL),
				Value: body,
			})
			if len(batch) >= batchSize {
				p.writeMessage(batch)
				batch = batch[:0]
				batchTicker.Reset(batchTimeout)
			}
		}
	}
}

func (p *KafkaProducerClient) writeMessage(batch []kafka.Message) {
	err := p.kafkaWriter.WriteMessages(context.Background(), batch...)
	if err != nil {
		slog.Error("failed to send messages to kafka.", slog.String("err", err.Error()))
		p.metrics.FailMsgCnt(int64(len(batch)))
		return
	}
	p.metrics.SuccessMsgCnt(int64(len(batch)))
	slog.Debug("successfully sent messages to kafka.", slog.Int("batch length", len(batch)))
}
