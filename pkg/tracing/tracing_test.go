package tracing

import (
	"bytes"
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestInit(t *testing.T) {
	Convey("Given tracing configuration", t, func() {
		ctx := context.Background()

		Convey("When tracing is disabled", func() {
			shutdown, err := Init(ctx, Config{}, nil)

			Convey("Then a noop provider is installed", func() {
				So(err, ShouldBeNil)
				_, span := Tracer("test").Start(ctx, "noop")
				So(span.SpanContext().IsValid(), ShouldBeFalse)
				span.End()
				So(shutdown(ctx), ShouldBeNil)
			})
		})

		Convey("When tracing is enabled with a stdout writer", func() {
			var buf bytes.Buffer
			shutdown, err := Init(ctx, Config{Enabled: true, SampleRatio: 1, Writer: &buf}, nil)
			So(err, ShouldBeNil)

			_, span := Tracer("test").Start(ctx, "fanout.dispatch")
			span.End()

			Convey("Then spans are exported on shutdown", func() {
				So(shutdown(ctx), ShouldBeNil)
				So(buf.String(), ShouldContainSubstring, "fanout.dispatch")
			})

			Reset(func() { _, _ = Init(ctx, Config{}, nil) })
		})
	})
}
