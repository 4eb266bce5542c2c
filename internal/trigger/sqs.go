// SPDX-License-Identifier: MPL-2.0

package trigger

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/invowk/wasmshim/internal/config"
	"github.com/invowk/wasmshim/internal/manifest"
)

const (
	sqsBatchSize      = 10
	sqsReceiveRetries = 5
	sqsReceiveBackoff = 200 * time.Millisecond
	// sqsMaxVisibility is the largest visibility timeout SQS accepts.
	sqsMaxVisibility = 12 * time.Hour
)

// SQSAPI is the subset of the SQS client a source uses.
type SQSAPI interface {
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, opts ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSource long-polls a queue. Unacknowledged messages come back after the
// visibility timeout and ApproximateReceiveCount numbers the attempts, so
// the consumer retries through the broker.
type SQSSource struct {
	cfg    manifest.SQSConfig
	conf   config.SQSConfig
	client SQSAPI

	mu        sync.Mutex
	buf       []sqstypes.Message
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSQSSource returns a source for cfg. A nil client is built from conf
// when the source opens.
func NewSQSSource(cfg manifest.SQSConfig, conf config.SQSConfig, client SQSAPI) *SQSSource {
	return &SQSSource{cfg: cfg, conf: conf, client: client, closed: make(chan struct{})}
}

// Open builds the client if needed and checks that the queue is reachable.
func (s *SQSSource) Open(ctx context.Context) error {
	if s.client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.conf.Region))
		if err != nil {
			return err
		}
		s.client = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if s.conf.Endpoint != "" {
				o.BaseEndpoint = aws.String(s.conf.Endpoint)
			}
		})
	}
	_, err := s.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(s.cfg.QueueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	return err
}

// Receive returns the next message, polling when the local batch is empty.
// Transient receive errors are retried before they end the dispatcher.
func (s *SQSSource) Receive(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-s.closed:
			return nil, ErrSourceClosed
		default:
		}
		if m, ok := s.pop(); ok {
			return s.delivery(m), nil
		}

		var out *sqs.ReceiveMessageOutput
		err := RetryWithBackoff(ctx, sqsReceiveRetries, sqsReceiveBackoff, func(int) (bool, error) {
			var err error
			out, err = s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            aws.String(s.cfg.QueueURL),
				MaxNumberOfMessages: sqsBatchSize,
				WaitTimeSeconds:     int32(s.conf.WaitTime / time.Second),
				VisibilityTimeout:   int32(s.conf.VisibilityTimeout / time.Second),
				MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
					sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
				},
			})
			return ctx.Err() == nil, err
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		s.mu.Lock()
		s.buf = append(s.buf, out.Messages...)
		s.mu.Unlock()
	}
}

func (s *SQSSource) pop() (sqstypes.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return sqstypes.Message{}, false
	}
	m := s.buf[0]
	s.buf = s.buf[1:]
	return m, true
}

func (s *SQSSource) delivery(m sqstypes.Message) *Delivery {
	id := aws.ToString(m.MessageId)
	receipt := m.ReceiptHandle
	body := aws.ToString(m.Body)

	attempt := 1
	if n, err := strconv.Atoi(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil && n > 0 {
		attempt = n
	}

	d := &Delivery{
		ID:      id,
		Payload: []byte(body),
		Env: map[string]string{
			"WASMSHIM_SQS_QUEUE_URL":  s.cfg.QueueURL,
			"WASMSHIM_SQS_MESSAGE_ID": id,
		},
		Attempt: attempt,
		Ack: func(ctx context.Context) error {
			_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(s.cfg.QueueURL),
				ReceiptHandle: receipt,
			})
			return err
		},
		Nack: func(ctx context.Context, delay time.Duration) error {
			_, err := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
				QueueUrl:          aws.String(s.cfg.QueueURL),
				ReceiptHandle:     receipt,
				VisibilityTimeout: int32(min(delay, sqsMaxVisibility) / time.Second),
			})
			return err
		},
	}
	if s.cfg.DeadLetterQueueURL != "" {
		d.DeadLetter = func(ctx context.Context, cause error) error {
			reason := "unknown"
			if cause != nil {
				reason = cause.Error()
			}
			_, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
				QueueUrl:    aws.String(s.cfg.DeadLetterQueueURL),
				MessageBody: aws.String(body),
				MessageAttributes: map[string]sqstypes.MessageAttributeValue{
					"wasmshim-error": {DataType: aws.String("String"), StringValue: aws.String(reason)},
					"wasmshim-source-message-id": {DataType: aws.String("String"), StringValue: aws.String(id)},
				},
			})
			return err
		}
	}
	return d
}

// BrokerRedelivery is true for SQS.
func (*SQSSource) BrokerRedelivery() bool { return true }

// Close stops polling. Buffered messages not yet handed out return to the
// queue when their visibility timeout lapses.
func (s *SQSSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

