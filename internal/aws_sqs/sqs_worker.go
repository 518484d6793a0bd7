package aws_sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/IliaW/doc-harvester/config"
	"github.com/IliaW/doc-harvester/internal/telemetry"
)

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSWorker reads scan requests from the queue and puts back the ones that hit the domain threshold.
type SQSWorker struct {
	client      sqsAPI
	url         *string
	getSqsChan  chan<- *string
	sendSqsChan <-chan *string
	metrics     *telemetry.SQSMetrics
	cfg         *config.SQSConfig
	wg          *sync.WaitGroup
}

func NewSQSWorker(getSqsChan chan<- *string, metrics *telemetry.SQSMetrics, sendSqsChan <-chan *string,
	cfg *config.Config, wg *sync.WaitGroup) (*SQSWorker, error) {
	slog.Info("connecting to sqs...")

	c, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to sqs: %w", err)
	}
	queueUrl, err := c.GetQueueUrl(context.Background(), &sqs.GetQueueUrlInput{QueueName: &cfg.SQSSettings.QueueName})
	if err != nil {
		return nil, fmt.Errorf("get queue url for %s: %w", cfg.SQSSettings.QueueName, err)
	}

	return &SQSWorker{
		client:      c,
		url:         queueUrl.QueueUrl,
		getSqsChan:  getSqsChan,
		sendSqsChan: sendSqsChan,
		metrics:     metrics,
		cfg:         cfg.SQSSettings,
		wg:          wg,
	}, nil
}

// SQSConsumer polls until ctx is cancelled, then closes getSqsChan so the scan workers can drain.
func (w *SQSWorker) SQSConsumer(ctx context.Context) {
	defer w.wg.Done()
	slog.Info("starting sqs consumer...", slog.String("queue_url", *w.url))

	getInput := &sqs.ReceiveMessageInput{
		QueueUrl:            w.url,
		MaxNumberOfMessages: w.cfg.MaxNumberOfMessages,
		WaitTimeSeconds:     w.cfg.WaitTimeSeconds,
		VisibilityTimeout:   w.cfg.VisibilityTimeout,
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping sqs consumer...")
			close(w.getSqsChan)
			slog.Info("close getSqsChan.")
			return
		default:
			output, err := w.client.ReceiveMessage(ctx, getInput)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Error("failed to receive message from sqs.", slog.String("err", err.Error()))
				}
				continue
			}
			if len(output.Messages) == 0 {
				slog.Debug("no messages received from sqs.")
				continue
			}
			w.dispatch(output.Messages)
		}
	}
}

// dispatch hands the bodies to the workers and then removes the batch from the queue.
func (w *SQSWorker) dispatch(messages []types.Message) {
	entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(messages))
	for _, m := range messages {
		if m.Body != nil {
			w.getSqsChan <- m.Body
		}
		entries = append(entries, types.DeleteMessageBatchRequestEntry{
			Id:            m.MessageId,
			ReceiptHandle: m.ReceiptHandle,
		})
	}
	slog.Debug("deleting messages from sqs.", slog.Int("size", len(entries)))
	_, err := w.client.DeleteMessageBatch(context.Background(), &sqs.DeleteMessageBatchInput{
		QueueUrl: w.url,
		Entries:  entries,
	})
	if err != nil {
		slog.Error("failed to delete messages from sqs.", slog.String("err", err.Error()))
		w.metrics.FailMsgCnt(int64(len(entries))) // messages still can be processed
		return
	}
	w.metrics.SuccessMsgCnt(int64(len(entries)))
}

func (w *SQSWorker) SQSProducer() {
	defer w.wg.Done()
	slog.Info("starting sqs producer...", slog.String("queue_url", *w.url))

	// NOTE: a request for a domain over its threshold cycles between the queue and the workers
	// until the threshold window expires.
	for m := range w.sendSqsChan {
		slog.Debug("sending message back to sqs.", slog.String("message", *m))
		_, err := w.client.SendMessage(context.Background(), &sqs.SendMessageInput{
			QueueUrl:    w.url,
			MessageBody: m,
		})
		if err != nil {
			slog.Error("failed to send message to sqs.", slog.String("message", *m),
				slog.String("err", err.Error()))
			continue
		}
		w.metrics.SentBackToSqsMsgCnt(1)
	}
	slog.Info("stopping sqs producer.")
}

func connect(cfg *config.Config) (*sqs.Client, error) {
	sqsConfig, err := awsCfg.LoadDefaultConfig(context.Background(), awsCfg.WithRegion(cfg.SQSSettings.Region))
	if err != nil {
		return nil, fmt.Errorf("load sqs config: %w", err)
	}

	if cfg.Env == "local" {
		sqsConfig.BaseEndpoint = &cfg.SQSSettings.AwsBaseEndpoint // for LocalStack
		sqsConfig.Credentials = crd.NewStaticCredentialsProvider("test", "test", "")
	}

	return sqs.NewFromConfig(sqsConfig), nil
}
