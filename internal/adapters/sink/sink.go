// Package sink holds the outbound collaborators for committed transitions:
// transition publishers and notification senders.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/geopresence/internal/domain/fanout"
	"github.com/okian/geopresence/internal/domain/model"
	"github.com/okian/geopresence/pkg/logger"
	"github.com/okian/geopresence/pkg/metrics"
)

// Publisher receives every committed transition for downstream persistence.
type Publisher interface {
	Publish(ctx context.Context, ev model.TransitionEvent) error
}

// LogPublisher writes transitions to the log.
type LogPublisher struct {
	logger logger.Logger
}

// NewLogPublisher returns a LogPublisher.
func NewLogPublisher(l logger.Logger) *LogPublisher {
	if l == nil {
		l = logger.Get().Named("transitions")
	}
	return &LogPublisher{logger: l}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, ev model.TransitionEvent) error {
	p.logger.Info(ctx, "transition",
		logger.String("transition_id", ev.ID),
		logger.String("user_id", ev.UserID),
		logger.String("region_id", ev.RegionID),
		logger.String("kind", ev.Kind.String()),
		logger.Time("occurred_at", ev.OccurredAt),
	)
	return nil
}

// LogNotifier writes notifications to the log instead of delivering them.
type LogNotifier struct {
	logger logger.Logger
}

// NewLogNotifier returns a LogNotifier.
func NewLogNotifier(l logger.Logger) *LogNotifier {
	if l == nil {
		l = logger.Get().Named("notifications")
	}
	return &LogNotifier{logger: l}
}

// Send implements fanout.NotificationSink.
func (n *LogNotifier) Send(ctx context.Context, userID string, p fanout.Payload) error {
	n.logger.Info(ctx, "notification",
		logger.String("recipient", userID),
		logger.String("category", string(p.Category)),
		logger.String("title", p.Title),
		logger.String("body", p.Body),
	)
	return nil
}

// Named tags a publisher for metrics and logs.
type Named struct {
	Name      string
	Publisher Publisher
}

// Multi publishes to every member. A failing member does not stop the rest.
type Multi struct {
	members []Named
	logger  logger.Logger
}

// NewMulti combines publishers.
func NewMulti(l logger.Logger, members ...Named) *Multi {
	if l == nil {
		l = logger.Get().Named("publishers")
	}
	return &Multi{members: members, logger: l}
}

// Publish implements Publisher.
func (m *Multi) Publish(ctx context.Context, ev model.TransitionEvent) error {
	var errs []error
	for _, member := range m.members {
		if err := member.Publisher.Publish(ctx, ev); err != nil {
			metrics.RecordPublishFailure(member.Name)
			m.logger.Warn(ctx, "transition publish failed",
				logger.String("publisher", member.Name),
				logger.String("transition_id", ev.ID),
				logger.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", member.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of members.
func (m *Multi) Len() int { return len(m.members) }
