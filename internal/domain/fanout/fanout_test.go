package fanout_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/geopresence/internal/domain/fanout"
	"github.com/okian/geopresence/internal/domain/geo"
	"github.com/okian/geopresence/internal/domain/model"
	"github.com/okian/geopresence/internal/domain/region"
	"github.com/okian/geopresence/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

type delivery struct {
	userID  string
	payload fanout.Payload
}

type fakeSink struct {
	mu      sync.Mutex
	sent    []delivery
	failFor map[string]bool
}

func (s *fakeSink) Send(_ context.Context, userID string, p fanout.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[userID] {
		return errors.New("invalid push token")
	}
	s.sent = append(s.sent, delivery{userID: userID, payload: p})
	return nil
}

func regions() *region.Store {
	s := region.New(region.WithLogger(logger.NewNop()))
	_, err := s.Replace(context.Background(), []model.Region{
		{ID: "gym", Center: geo.Point{Lat: 1, Lon: 1}, RadiusMeters: 50, DisplayName: "Climbing Gym"},
	})
	if err != nil {
		panic(err)
	}
	return s
}

func transition(kind model.Kind, regionID string) model.TransitionEvent {
	return model.TransitionEvent{ID: "t-1", UserID: "alice", RegionID: regionID, Kind: kind, OccurredAt: time.Now()}
}

func TestDispatch(t *testing.T) {
	Convey("Given a fan-out over a recording sink", t, func() {
		ctx := context.Background()
		sink := &fakeSink{failFor: map[string]bool{}}
		f := fanout.New(sink, regions(),
			fanout.WithLogger(logger.NewNop()),
			fanout.WithDisplayNames(func(id string) string {
				if id == "alice" {
					return "Alice"
				}
				return id
			}),
		)

		Convey("When alice enters the gym with two friends there", func() {
			rep := f.Dispatch(ctx, transition(model.Enter, "gym"), []string{"bob", "carol"})

			Convey("Then alice is notified first and each friend once", func() {
				So(rep.SelfDelivered, ShouldBeTrue)
				So(rep.Delivered, ShouldEqual, 2)
				So(sink.sent, ShouldHaveLength, 3)
				So(sink.sent[0].userID, ShouldEqual, "alice")
				So(sink.sent[0].payload.Body, ShouldEqual, "You entered Climbing Gym.")
				So(sink.sent[0].payload.Category, ShouldEqual, fanout.CategoryEnter)
				So(sink.sent[1].payload.Body, ShouldEqual, "Alice is at Climbing Gym.")
				So(sink.sent[2].userID, ShouldEqual, "carol")
			})
		})

		Convey("When one recipient's delivery fails", func() {
			sink.failFor["bob"] = true
			rep := f.Dispatch(ctx, transition(model.Enter, "gym"), []string{"bob", "carol", "dave"})

			Convey("Then the rest still receive it", func() {
				So(rep.Failed, ShouldResemble, []string{"bob"})
				So(rep.Delivered, ShouldEqual, 2)
				So(sink.sent, ShouldHaveLength, 3)
			})
		})

		Convey("When the self notification fails", func() {
			sink.failFor["alice"] = true
			rep := f.Dispatch(ctx, transition(model.Enter, "gym"), []string{"bob"})

			Convey("Then peers are still notified", func() {
				So(rep.SelfDelivered, ShouldBeFalse)
				So(rep.Delivered, ShouldEqual, 1)
			})
		})

		Convey("When the transition is an exit", func() {
			rep := f.Dispatch(ctx, transition(model.Exit, "gym"), nil)

			Convey("Then only alice hears about it", func() {
				So(rep.SelfDelivered, ShouldBeTrue)
				So(sink.sent, ShouldHaveLength, 1)
				So(sink.sent[0].payload.Category, ShouldEqual, fanout.CategoryExit)
				So(sink.sent[0].payload.Body, ShouldEqual, "You left Climbing Gym.")
			})
		})

		Convey("When the region was removed by a reload", func() {
			f.Dispatch(ctx, transition(model.Exit, "old-office"), nil)

			Convey("Then its id is used as the name", func() {
				So(sink.sent[0].payload.Title, ShouldEqual, "Left old-office")
			})
		})

		Convey("When the mover appears in the recipient list", func() {
			rep := f.Dispatch(ctx, transition(model.Enter, "gym"), []string{"alice", "bob"})

			Convey("Then they are not notified twice", func() {
				So(rep.Delivered, ShouldEqual, 1)
				So(sink.sent, ShouldHaveLength, 2)
			})
		})
	})
}
