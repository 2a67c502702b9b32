package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/okian/geopresence/internal/domain/presence"
	. "github.com/smartystreets/goconvey/convey"
)

const regionsYAML = `
regions:
  - id: home
    name: Home
    lat: 52.3702
    lon: 4.8952
    radius_m: 150
  - id: gym
    lat: 52.3600
    lon: 4.8800
    radius_m: 80
`

const groupsYAML = `
users:
  - id: u1
    name: Alice
groups:
  - id: family
    name: Family
    emoji: "🏠"
    admin: u1
    members: [u1, u2]
  - id: climbing
    name: Climbing
    members: [u2, u3]
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestRegionFile(t *testing.T) {
	Convey("Given a regions file", t, func() {
		path := writeFile(t, "regions.yaml", regionsYAML)
		src := NewRegionFile(path)

		Convey("When regions are read", func() {
			regions, err := src.GetRegions(context.Background())

			Convey("Then every entry is decoded", func() {
				So(err, ShouldBeNil)
				So(regions, ShouldHaveLength, 2)
				So(regions[0].ID, ShouldEqual, "home")
				So(regions[0].Center.Lat, ShouldEqual, 52.3702)
				So(regions[0].RadiusMeters, ShouldEqual, 150)
				So(regions[1].Name(), ShouldEqual, "gym")
			})
		})

		Convey("When the file is JSON", func() {
			regions, err := ParseRegions([]byte(`{"regions":[{"id":"a","lat":1,"lon":2,"radius_m":10}]}`))
			So(err, ShouldBeNil)
			So(regions[0].Center.Lon, ShouldEqual, 2)
		})

		Convey("When the file is missing", func() {
			_, err := NewRegionFile(filepath.Join(t.TempDir(), "nope.yaml")).GetRegions(context.Background())
			So(err, ShouldNotBeNil)
		})

		Convey("When the file is malformed", func() {
			_, err := ParseRegions([]byte("regions: [id: "))
			So(err, ShouldNotBeNil)
		})
	})
}

func TestGroupFile(t *testing.T) {
	Convey("Given a groups file", t, func() {
		ctx := context.Background()
		path := writeFile(t, "groups.yaml", groupsYAML)
		dir, err := NewGroupFile(path)
		So(err, ShouldBeNil)

		Convey("Then groups resolve by id", func() {
			g, err := dir.GetGroup(ctx, "family")
			So(err, ShouldBeNil)
			So(g.MemberIDs, ShouldResemble, []string{"u1", "u2"})
			So(g.AdminUserID, ShouldEqual, "u1")
		})

		Convey("Then users map to their groups in id order", func() {
			ids, err := dir.GetGroupsForUser(ctx, "u2")
			So(err, ShouldBeNil)
			So(ids, ShouldResemble, []string{"climbing", "family"})
		})

		Convey("Then unknown groups report ErrGroupNotFound", func() {
			_, err := dir.GetGroup(ctx, "nope")
			So(errors.Is(err, presence.ErrGroupNotFound), ShouldBeTrue)
		})

		Convey("Then the full group list is returned in id order", func() {
			groups := dir.Groups()
			So(groups, ShouldHaveLength, 2)
			So(groups[0].ID, ShouldEqual, "climbing")
			So(groups[1].ID, ShouldEqual, "family")
			groups[1].MemberIDs[0] = "mutated"
			g, err := dir.GetGroup(ctx, "family")
			So(err, ShouldBeNil)
			So(g.MemberIDs[0], ShouldEqual, "u1")
		})

		Convey("Then display names fall back to the id", func() {
			So(dir.DisplayName("u1"), ShouldEqual, "Alice")
			So(dir.DisplayName("u3"), ShouldEqual, "u3")
		})

		Convey("When the file is replaced with invalid content", func() {
			So(os.WriteFile(path, []byte("groups:\n  - name: x\n"), 0o600), ShouldBeNil)

			Convey("Then reload fails and the old index is kept", func() {
				So(dir.Reload(), ShouldNotBeNil)
				_, err := dir.GetGroup(ctx, "family")
				So(err, ShouldBeNil)
			})
		})
	})
}
