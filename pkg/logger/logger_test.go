package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLoggerInit(t *testing.T) {
	Convey("Given the global logger", t, func() {
		Convey("When initialized with the default format", func() {
			So(Init(), ShouldBeNil)

			Convey("Then Get returns a usable logger", func() {
				l := Get()
				So(l, ShouldNotBeNil)
				So(func() { l.Info(context.Background(), "test message", String("k", "v")) }, ShouldNotPanic)
				So(Sync(), ShouldBeNil)
			})
		})

		Convey("When initialized with json format", func() {
			So(InitWithFormat("json"), ShouldBeNil)
			So(Get(), ShouldNotBeNil)
		})

		Convey("When initialized with an unknown format", func() {
			So(InitWithFormat("xml"), ShouldNotBeNil)
		})
	})
}

func TestLoggerOutput(t *testing.T) {
	Convey("Given a json logger writing to a buffer", t, func() {
		var buf bytes.Buffer
		So(initWriter(&buf, "json"), ShouldBeNil)
		defer func() { _ = Init() }()

		Convey("When logging with fields through a named logger", func() {
			Named("reconciler").Warn(context.Background(), "sample rejected",
				String("user_id", "u1"),
				Float64("accuracy", 250),
				Error(errors.New("too inaccurate")),
			)

			Convey("Then the record carries the fields, the name and the caller", func() {
				var rec map[string]any
				So(json.Unmarshal(buf.Bytes(), &rec), ShouldBeNil)
				So(rec["msg"], ShouldEqual, "sample rejected")
				So(rec["logger"], ShouldEqual, "reconciler")
				So(rec["user_id"], ShouldEqual, "u1")
				So(rec["error"], ShouldEqual, "too inaccurate")
				So(rec["source"], ShouldContainSubstring, "logger_test.go")
			})
		})

		Convey("When the level is raised above the message level", func() {
			So(SetLevelString("error"), ShouldBeNil)
			Get().Info(context.Background(), "hidden")

			Convey("Then nothing is written", func() {
				So(buf.Len(), ShouldEqual, 0)
			})
		})
	})
}

func TestSetLevelString(t *testing.T) {
	Convey("Given level strings", t, func() {
		So(Init(), ShouldBeNil)
		for _, lvl := range []string{"debug", "info", "", "WARN", "warning", "error"} {
			So(SetLevelString(lvl), ShouldBeNil)
		}
		err := SetLevelString("verbose")
		So(err, ShouldNotBeNil)
		So(strings.Contains(err.Error(), "unknown log level"), ShouldBeTrue)
	})
}

func TestNewNop(t *testing.T) {
	Convey("Given a nop logger", t, func() {
		l := NewNop()
		So(func() {
			l.Debug(context.Background(), "x")
			l.Info(context.Background(), "x")
			l.Warn(context.Background(), "x")
			l.Error(context.Background(), "x")
			l.Named("child").Info(nil, "x") //nolint:staticcheck // nil ctx tolerated
		}, ShouldNotPanic)
	})
}
