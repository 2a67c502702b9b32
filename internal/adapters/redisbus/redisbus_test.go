package redisbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/okian/geopresence/internal/domain/fanout"
	"github.com/okian/geopresence/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestEncodeTransition(t *testing.T) {
	Convey("Given a committed transition", t, func() {
		at := time.Date(2026, 6, 1, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600))
		raw, err := encodeTransition(model.TransitionEvent{ID: "t1", UserID: "u1", RegionID: "gym", Kind: model.Exit, OccurredAt: at})
		So(err, ShouldBeNil)

		Convey("Then the wire form uses lowercase kinds and UTC times", func() {
			var msg map[string]any
			So(json.Unmarshal(raw, &msg), ShouldBeNil)
			So(msg["kind"], ShouldEqual, "exit")
			So(msg["region_id"], ShouldEqual, "gym")
			So(msg["occurred_at"], ShouldEqual, "2026-06-01T08:00:00Z")
		})
	})
}

func TestUnreachableServer(t *testing.T) {
	Convey("Given a client pointing at a closed port", t, func() {
		client := Open(Config{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
		defer client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		Convey("Then ping, publish and send report errors", func() {
			So(Ping(ctx, client), ShouldNotBeNil)
			So(NewPublisher(client, "").Publish(ctx, model.TransitionEvent{ID: "t1", Kind: model.Enter}), ShouldNotBeNil)
			So(NewNotifier(client, "").Send(ctx, "u1", fanout.Payload{Title: "hi"}), ShouldNotBeNil)
		})

		Convey("Then defaults are applied", func() {
			So(NewPublisher(client, "").channel, ShouldEqual, DefaultChannel)
			So(NewNotifier(client, "custom").list, ShouldEqual, "custom")
		})
	})
}
