package sinks

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/opportunity-crawler/internal/progress"
	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// JobEventMessage is the payload published for terminal job events.
type JobEventMessage struct {
	JobID     scrape.JobID     `json:"job_id"`
	WebsiteID scrape.WebsiteID `json:"website_id"`
	Stage     progress.Stage   `json:"stage"`
	Attempt   int              `json:"attempt"`
	Records   int              `json:"records"`
	Note      string           `json:"note,omitempty"`
	TS        time.Time        `json:"ts"`
}

// Attributes exposes filterable message attributes.
func (m JobEventMessage) Attributes() map[string]string {
	return map[string]string{
		"job_id":     m.JobID.String(),
		"website_id": strconv.FormatInt(int64(m.WebsiteID), 10),
		"stage":      string(m.Stage),
	}
}

// PublishSink forwards terminal job events to a Publisher so downstream
// consumers can refresh their opportunity views.
type PublishSink struct {
	publisher scrape.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink builds a sink for the given topic.
func NewPublishSink(publisher scrape.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes each terminal event and joins the errors.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		msg := JobEventMessage{
			JobID:     evt.JobID,
			WebsiteID: evt.WebsiteID,
			Stage:     evt.Stage,
			Attempt:   evt.Attempt,
			Records:   evt.Records,
			Note:      evt.Note,
			TS:        evt.TS,
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("published job event", zap.String("job_id", evt.JobID.String()), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
