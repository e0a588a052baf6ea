package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"valuation/server/config"
	"valuation/server/internal/metrics"
	"valuation/server/internal/models"
)

// publishClient is the part of *redis.Client the publisher needs
type publishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// ForecastEvent is the message published for every persisted forecast
type ForecastEvent struct {
	Type string                `json:"type"`
	Data models.ForecastRecord `json:"data"`
}

// Publisher fans persisted forecasts out over a Redis channel
type Publisher struct {
	client  publishClient
	channel string
	logger  *logrus.Logger
}

// NewPublisher connects to REDIS_URL. It returns nil when no URL is configured.
func NewPublisher(cfg *config.Config, logger *logrus.Logger) (*Publisher, error) {
	if cfg.Redis.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return newPublisher(redis.NewClient(opts), cfg.Redis.Channel, logger), nil
}

func newPublisher(client publishClient, channel string, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Publisher{client: client, channel: channel, logger: logger}
}

// PublishForecasts publishes one event per record. Records that fail are
// logged and counted, and the last error is returned.
func (p *Publisher) PublishForecasts(ctx context.Context, records []models.ForecastRecord) error {
	var lastErr error
	published := 0
	for _, record := range records {
		data, err := json.Marshal(ForecastEvent{Type: "forecast", Data: record})
		if err != nil {
			lastErr = fmt.Errorf("failed to marshal forecast event: %w", err)
			continue
		}
		if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"local_authority": record.LocalAuthority,
				"property_type":   record.PropertyType,
			}).Warn("Redis publish failed")
			lastErr = err
			continue
		}
		metrics.ForecastsPublished.Inc()
		published++
	}

	p.logger.WithFields(logrus.Fields{
		"channel":   p.channel,
		"published": published,
		"total":     len(records),
	}).Info("Published forecast events")

	if lastErr != nil {
		return fmt.Errorf("published %d of %d forecasts: %w", published, len(records), lastErr)
	}
	return nil
}

// Close releases the Redis connection
func (p *Publisher) Close() error {
	return p.client.Close()
}
