package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/pricepulse/internal/domain"
)

const (
	DefaultChannel   = "pricepulse:samples"
	DefaultLatestKey = "pricepulse:latest"
)

// SamplePublisher publishes samples and keeps the latest one.
type SamplePublisher struct {
	rdb       *goredis.Client
	channel   string
	latestKey string
}

var _ domain.SamplePublisher = (*SamplePublisher)(nil)

func NewSamplePublisher(c *Client) *SamplePublisher {
	return &SamplePublisher{
		rdb:       c.rdb,
		channel:   DefaultChannel,
		latestKey: DefaultLatestKey,
	}
}

// PublishSample sends the sample in one pipeline: PUBLISH plus SET of the latest key.
func (p *SamplePublisher) PublishSample(ctx context.Context, s domain.Sample) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	_, err = p.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Publish(ctx, p.channel, payload)
		pipe.Set(ctx, p.latestKey, payload, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish sample: %w", err)
	}
	return nil
}

// Latest returns the most recently published sample, or domain.ErrNoSample
// before the first publish.
func (p *SamplePublisher) Latest(ctx context.Context) (domain.Sample, error) {
	payload, err := p.rdb.Get(ctx, p.latestKey).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.Sample{}, domain.ErrNoSample
	}
	if err != nil {
		return domain.Sample{}, fmt.Errorf("failed to read latest sample: %w", err)
	}

	var s domain.Sample
	if err := json.Unmarshal(payload, &s); err != nil {
		return domain.Sample{}, fmt.Errorf("failed to decode latest sample: %w", err)
	}
	return s, nil
}
