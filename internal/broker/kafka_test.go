package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IliaW/doc-harvester/config"
	"github.com/IliaW/doc-harvester/internal/model"
	"github.com/IliaW/doc-harvester/internal/telemetry"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]kafka.Message
	err     error
	closed  bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]kafka.Message(nil), msgs...))
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func (f *fakeWriter) messages() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []kafka.Message
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

func TestKafkaProducerFlushesOnClose(t *testing.T) {
	w := &fakeWriter{}
	ch := make(chan *model.ScanResult, 3)
	var success int64
	metrics := telemetry.NewNoopMetrics().KafkaMetrics
	metrics.SuccessMsgCnt = func(c int64) { success += c }

	wg := &sync.WaitGroup{}
	wg.Add(1)
	p := &KafkaProducerClient{
		kafkaChan:   ch,
		kafkaWriter: w,
		metrics:     metrics,
		cfg:         &config.ProducerConfig{BatchSize: 2, BatchTimeout: time.Hour},
		wg:          wg,
	}
	go p.Run()

	ch <- &model.ScanResult{Success: true, ScannedURL: "https://example.com/a"}
	ch <- &model.ScanResult{Success: true, ScannedURL: "https://example.com/b"}
	ch <- &model.ScanResult{Success: true, ScannedURL: "https://example.com/c"}
	close(ch)
	wg.Wait()

	msgs := w.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "https://example.com/a", string(msgs[0].Key))
	assert.Len(t, w.batches, 2)
	assert.True(t, w.closed)
	assert.EqualValues(t, 3, success)

	var res model.ScanResult
	require.NoError(t, json.Unmarshal(msgs[2].Value, &res))
	assert.Equal(t, "https://example.com/c", res.ScannedURL)
}

func TestKafkaProducerCountsFailures(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	ch := make(chan *model.ScanResult, 1)
	var failed int64
	metrics := telemetry.NewNoopMetrics().KafkaMetrics
	metrics.FailMsgCnt = func(c int64) { failed += c }

	wg := &sync.WaitGroup{}
	wg.Add(1)
	p := &KafkaProducerClient{kafkaChan: ch, kafkaWriter: w, metrics: metrics,
		cfg: &config.ProducerConfig{BatchSize: 10, BatchTimeout: time.Hour}, wg: wg}
	go p.Run()

	ch <- &model.ScanResult{ScannedURL: "https://example.com"}
	close(ch)
	wg.Wait()

	assert.EqualValues(t, 1, failed)
}

func TestSendUrlToDLQ(t *testing.T) {
	w := &fakeWriter{}
	dlq := newKafkaDLQ(w, "doc-harvester", 4)

	dlq.SendUrlToDLQ("https://ir.example.com/q2.pdf", errors.New("failed to fetch: 404 Not Found"))
	dlq.Close()

	msgs := w.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "https://ir.example.com/q2.pdf", string(msgs[0].Key))
	var m DLQMessage
	require.NoError(t, json.Unmarshal(msgs[0].Value, &m))
	assert.Equal(t, "doc-harvester", m.ServiceName)
	assert.Equal(t, "failed to fetch: 404 Not Found", m.ErrorMessage)
	assert.False(t, m.Timestamp.IsZero())
	assert.True(t, w.closed)

	// sending after close is dropped, not a panic
	dlq.SendUrlToDLQ("https://ir.example.com/late.pdf", errors.New("timeout"))
	assert.Len(t, w.messages(), 1)
}

type blockingWriter struct {
	fakeWriter
	release chan struct{}
}

func (b *blockingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	<-b.release
	return b.fakeWriter.WriteMessages(ctx, msgs...)
}

func TestSendUrlToDLQDoesNotBlockOnSlowBroker(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	dlq := newKafkaDLQ(w, "doc-harvester", 1)

	sent := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			dlq.SendUrlToDLQ("https://ir.example.com/a.pdf", errors.New("reset"))
		}
		close(sent)
	}()

	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("SendUrlToDLQ blocked while the broker was stalled")
	}

	close(w.release)
	dlq.Close()
	assert.NotEmpty(t, w.messages())
	assert.LessOrEqual(t, len(w.messages()), 2)
}
