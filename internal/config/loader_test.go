package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/okian/geopresence/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

var configEnvVars = []string{
	"GEOP_CONFIG", "GEOP_ADDR", "GEOP_GRACE_WINDOW_MS", "GEOP_WORKER_COUNT",
	"GEOP_PUBLISHERS", "GEOP_DIRECTORY", "GEOP_MAX_ACCURACY_METERS", "GEOP_TRACING_ENABLED",
}

func clearConfigEnvVars() {
	for _, k := range configEnvVars {
		_ = os.Unsetenv(k)
	}
}

func createTempConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()
		clearConfigEnvVars()
		defer clearConfigEnvVars()

		convey.Convey("When loading config with defaults only", func() {
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.GraceWindowMS, convey.ShouldEqual, 5_000)
				convey.So(cfg.Directory, convey.ShouldEqual, "static")
				convey.So(cfg.PublisherList(), convey.ShouldResemble, []string{"log"})
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("GEOP_ADDR", ":8080")
			_ = os.Setenv("GEOP_GRACE_WINDOW_MS", "2500")
			_ = os.Setenv("GEOP_MAX_ACCURACY_METERS", "65.5")
			_ = os.Setenv("GEOP_PUBLISHERS", "log, SQLite")
			_ = os.Setenv("GEOP_TRACING_ENABLED", "true")

			cfg, err := config.Load(ctx)

			convey.Convey("Then env vars override defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.GraceWindow().Milliseconds(), convey.ShouldEqual, 2500)
				convey.So(cfg.MaxAccuracyMeters, convey.ShouldEqual, 65.5)
				convey.So(cfg.PublisherList(), convey.ShouldResemble, []string{"log", "sqlite"})
				convey.So(cfg.NeedsSQLite(), convey.ShouldBeTrue)
				convey.So(cfg.TracingEnabled, convey.ShouldBeTrue)
			})
		})

		convey.Convey("When loading config with both file and environment variables", func() {
			path := createTempConfigFile(t, `
addr: ":9090"
worker_count: 24
directory: sqlite
sqlite_path: /tmp/geo.db
notifier: redis
`)
			_ = os.Setenv("GEOP_CONFIG", path)
			_ = os.Setenv("GEOP_WORKER_COUNT", "32")

			cfg, err := config.Load(ctx)

			convey.Convey("Then environment variables should override file values", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9090")
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 32)
				convey.So(cfg.Directory, convey.ShouldEqual, "sqlite")
				convey.So(cfg.NeedsRedis(), convey.ShouldBeTrue)
				convey.So(cfg.GraceWindowMS, convey.ShouldEqual, 5_000)
			})
		})

		convey.Convey("When loading config with invalid YAML file", func() {
			_ = os.Setenv("GEOP_CONFIG", createTempConfigFile(t, `invalid: yaml: content: [`))

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a load error", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with non-existent file", func() {
			_ = os.Setenv("GEOP_CONFIG", "/non/existent/file.yaml")

			cfg, err := config.Load(ctx)
			convey.So(err, convey.ShouldNotBeNil)
			convey.So(cfg, convey.ShouldBeNil)
		})

		convey.Convey("When loading config with an unknown directory", func() {
			_ = os.Setenv("GEOP_DIRECTORY", "ldap")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a validation error", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(err.Error(), convey.ShouldContainSubstring, "directory must be static or sqlite")
				convey.So(cfg, convey.ShouldBeNil)
			})
		})
	})
}
