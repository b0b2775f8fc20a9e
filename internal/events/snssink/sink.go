// Package snssink relays ledger events to an SNS topic for external indexers and relayers.
package snssink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"carbon-scribe/bridge-backend/internal/events"
)

// Client is the subset of the SNS API the sink uses.
type Client interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Sink publishes every event as a JSON message. FIFO topics get the subject as message
// group and the event dedup key as deduplication id.
type Sink struct {
	client   Client
	topicARN string
	fifo     bool
	logger   *zap.Logger
}

func New(client Client, topicARN string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		client:   client,
		topicARN: topicARN,
		fifo:     strings.HasSuffix(topicARN, ".fifo"),
		logger:   logger,
	}
}

// NewFromConfig loads the default AWS credential chain for region.
func NewFromConfig(ctx context.Context, region, topicARN string, logger *zap.Logger) (*Sink, error) {
	if topicARN == "" {
		return nil, fmt.Errorf("sns topic arn is required")
	}
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return New(sns.NewFromConfig(cfg), topicARN, logger), nil
}

// Deliver implements events.Sink.
func (s *Sink) Deliver(ctx context.Context, e events.Event) error {
	input, err := s.input(e)
	if err != nil {
		return err
	}
	out, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish %s to sns: %w", e.DedupKey(), err)
	}
	s.logger.Debug("event published to sns",
		zap.String("dedup_key", e.DedupKey()),
		zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}

func (s *Sink) input(e events.Event) (*sns.PublishInput, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", e.DedupKey(), err)
	}
	input := &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": stringAttr(string(e.Type)),
			"subject_id": stringAttr(e.SubjectID),
			"sequence": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatUint(e.Sequence, 10)),
			},
		},
	}
	if s.fifo {
		input.MessageGroupId = aws.String(e.SubjectID)
		input.MessageDeduplicationId = aws.String(e.DedupKey())
	}
	return input, nil
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}
