package types_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/okian/geopresence/internal/domain/geo"
	"github.com/okian/geopresence/internal/domain/model"
	"github.com/okian/geopresence/internal/domain/region"
	types "github.com/okian/geopresence/internal/domain/types"
	"github.com/okian/geopresence/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func snapshot() *region.Snapshot {
	s := region.New(region.WithLogger(logger.NewNop()))
	_, err := s.Replace(context.Background(), []model.Region{
		{ID: "home", Center: geo.Point{Lat: 52.37, Lon: 4.89}, RadiusMeters: 150, DisplayName: "Home"},
		{ID: "gym", Center: geo.Point{Lat: 52.36, Lon: 4.88}, RadiusMeters: 80},
	})
	if err != nil {
		panic(err)
	}
	return s.Snapshot()
}

func TestPresence(t *testing.T) {
	Convey("Given a user state inside a named region", t, func() {
		at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
		st := model.UserPresenceState{UserID: "u1", CurrentRegionID: "home", LastConfirmedAt: at}

		Convey("When building the presence view", func() {
			p := types.NewPresence(st, snapshot())

			Convey("Then the region name is resolved", func() {
				So(p.RegionName, ShouldEqual, "Home")
				So(p.Since.Equal(at), ShouldBeTrue)
				So(p.LastSampleAt, ShouldBeNil)
			})

			Convey("Then empty fields are omitted on the wire", func() {
				raw, err := json.Marshal(p)
				So(err, ShouldBeNil)
				So(string(raw), ShouldNotContainSubstring, "last_sample_at")
				So(string(raw), ShouldContainSubstring, `"region_id":"home"`)
			})
		})

		Convey("When the region is no longer loaded", func() {
			st.CurrentRegionID = "gone"
			p := types.NewPresence(st, snapshot())

			Convey("Then the id is used as the name", func() {
				So(p.RegionName, ShouldEqual, "gone")
			})
		})

		Convey("When the user is in no region", func() {
			p := types.NewPresence(model.UserPresenceState{UserID: "u2"}, snapshot())

			Convey("Then only the user id is set", func() {
				So(p.RegionID, ShouldEqual, "")
				So(p.RegionName, ShouldEqual, "")
				So(p.Since, ShouldBeNil)
			})
		})
	})
}

func TestRegions(t *testing.T) {
	Convey("Given a snapshot and occupant counts", t, func() {
		out := types.NewRegions(snapshot(), map[string]int{"home": 2})

		Convey("Then regions are listed by id with counts and fallback names", func() {
			So(out, ShouldHaveLength, 2)
			So(out[0].ID, ShouldEqual, "gym")
			So(out[0].Name, ShouldEqual, "gym")
			So(out[0].Occupants, ShouldEqual, 0)
			So(out[1].Occupants, ShouldEqual, 2)
			So(out[1].RadiusMeters, ShouldEqual, 150)
		})
	})
}
