// Package fanout turns one committed transition into per-recipient
// notifications.
package fanout

import (
	"context"
	"fmt"

	"github.com/okian/geopresence/internal/domain/model"
	"github.com/okian/geopresence/internal/domain/region"
	"github.com/okian/geopresence/pkg/logger"
	"github.com/okian/geopresence/pkg/metrics"
	"github.com/okian/geopresence/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Category tags a notification so clients can route it.
type Category string

// Notification categories.
const (
	CategoryEnter Category = "GEOFENCE_ENTER"
	CategoryExit  Category = "GEOFENCE_EXIT"
)

// Payload is what a NotificationSink delivers to one user.
type Payload struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Category Category `json:"category"`
	// Source transition, for clients that deep-link.
	TransitionID string `json:"transition_id"`
	RegionID     string `json:"region_id"`
	SubjectID    string `json:"subject_id"`
}

// NotificationSink delivers one payload to one user.
type NotificationSink interface {
	Send(ctx context.Context, userID string, p Payload) error
}

// Regions provides the current region snapshot.
type Regions interface {
	Snapshot() *region.Snapshot
}

// Report summarises one Dispatch call.
type Report struct {
	SelfDelivered bool
	Delivered     int
	Failed        []string // recipients whose delivery failed
}

// Fanout dispatches notifications for committed transitions.
type Fanout struct {
	sink        NotificationSink
	regions     Regions
	displayName func(userID string) string
	tracer      trace.Tracer
	logger      logger.Logger
}

// New creates a Fanout.
func New(sink NotificationSink, regions Regions, opts ...Option) *Fanout {
	f := &Fanout{
		sink:        sink,
		regions:     regions,
		displayName: func(userID string) string { return userID },
		tracer:      tracing.Tracer("fanout"),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = logger.Get().Named("fanout")
	}
	return f
}

// Dispatch notifies the mover, then every recipient. A failed delivery is
// logged and counted; it never stops delivery to the rest.
func (f *Fanout) Dispatch(ctx context.Context, ev model.TransitionEvent, recipients []string) Report {
	ctx, span := f.tracer.Start(ctx, "fanout.Dispatch", trace.WithAttributes(
		attribute.String("user_id", ev.UserID),
		attribute.String("region_id", ev.RegionID),
		attribute.String("kind", ev.Kind.String()),
		attribute.Int("recipients", len(recipients)),
	))
	defer span.End()

	var rep Report
	place := f.regionName(ev.RegionID)

	if err := f.send(ctx, "self", ev.UserID, f.selfPayload(ev, place)); err == nil {
		rep.SelfDelivered = true
	}

	metrics.RecordFanoutSize(len(recipients))
	if len(recipients) > 0 {
		peer := f.peerPayload(ev, place)
		for _, r := range recipients {
			if r == ev.UserID {
				continue
			}
			if err := f.send(ctx, "peer", r, peer); err != nil {
				rep.Failed = append(rep.Failed, r)
				continue
			}
			rep.Delivered++
		}
	}

	if len(rep.Failed) > 0 || !rep.SelfDelivered {
		span.SetStatus(codes.Error, "partial delivery")
	}
	return rep
}

func (f *Fanout) send(ctx context.Context, audience, userID string, p Payload) error {
	err := f.sink.Send(ctx, userID, p)
	if err != nil {
		metrics.RecordNotification(audience, "failed")
		f.logger.Warn(ctx, "notification delivery failed",
			logger.String("audience", audience),
			logger.String("recipient", userID),
			logger.String("transition_id", p.TransitionID),
			logger.Error(err),
		)
		return err
	}
	metrics.RecordNotification(audience, "delivered")
	return nil
}

func (f *Fanout) regionName(id string) string {
	if id == "" {
		return "somewhere"
	}
	if f.regions != nil {
		if r, ok := f.regions.Snapshot().Get(id); ok {
			return r.Name()
		}
	}
	return id
}

func (f *Fanout) selfPayload(ev model.TransitionEvent, place string) Payload {
	p := Payload{TransitionID: ev.ID, RegionID: ev.RegionID, SubjectID: ev.UserID}
	if ev.Kind == model.Exit {
		p.Category = CategoryExit
		p.Title = "Left " + place
		p.Body = fmt.Sprintf("You left %s.", place)
		return p
	}
	p.Category = CategoryEnter
	p.Title = "Arrived at " + place
	p.Body = fmt.Sprintf("You entered %s.", place)
	return p
}

func (f *Fanout) peerPayload(ev model.TransitionEvent, place string) Payload {
	who := f.displayName(ev.UserID)
	p := Payload{TransitionID: ev.ID, RegionID: ev.RegionID, SubjectID: ev.UserID}
	if ev.Kind == model.Exit {
		p.Category = CategoryExit
		p.Title = who + " left"
		p.Body = fmt.Sprintf("%s left %s.", who, place)
		return p
	}
	p.Category = CategoryEnter
	p.Title = who + " is nearby"
	p.Body = fmt.Sprintf("%s is at %s.", who, place)
	return p
}
