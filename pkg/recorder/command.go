package recorder

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	broker "github.com/ef-robotics/ailet/pkg/broker"
	camera "github.com/ef-robotics/ailet/pkg/camera"
	cleanup "github.com/ef-robotics/ailet/pkg/cleanup"
	config "github.com/ef-robotics/ailet/pkg/config"
	control "github.com/ef-robotics/ailet/pkg/control"
	notify "github.com/ef-robotics/ailet/pkg/notify"
	staging "github.com/ef-robotics/ailet/pkg/staging"
	upload "github.com/ef-robotics/ailet/pkg/upload"
)

const shutdownTimeout = 10 * time.Second

// Run implements the "record" command.
func Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	cfgPath := fs.String("c", "", "path to a YAML config file")
	device := fs.String("d", "", "camera device, e.g. 0 or /dev/video2")
	driver := fs.String("driver", "", "camera driver: opencv or exec")
	interval := fs.Duration("f", 0, "capture interval")
	dir := fs.String("s", "", "staging directory")
	baseURL := fs.String("u", "", "upload base URL")
	controlAddr := fs.String("control", "", "control listen address, e.g. unix:///tmp/ailet.control")
	noStart := fs.Bool("no-start", false, "wait for a start request instead of recording immediately")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			return err
		}
	}

	// explicit flags win over the file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "d":
			cfg.Camera.Device = *device
		case "driver":
			cfg.Camera.Driver = *driver
		case "f":
			cfg.Schedule.Interval = *interval
		case "s":
			cfg.Staging.Dir = *dir
		case "u":
			cfg.Upload.BaseURL = *baseURL
		case "control":
			cfg.Control.Addr = *controlAddr
		case "no-start":
			autoStart := !*noStart
			cfg.Schedule.AutoStart = &autoStart
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	return record(ctx, cfg)
}

func record(ctx context.Context, cfg *config.Config) error {
	drv, err := camera.Lookup(cfg.Camera.Driver, camera.DriverOptions{Command: cfg.Camera.Command})
	if err != nil {
		return err
	}
	session := camera.NewSession(drv, camera.DevicePermission, camera.Options{
		Resolution: camera.Resolution{Width: cfg.Camera.Width, Height: cfg.Camera.Height},
	})

	store, err := staging.NewStore(cfg.Staging.Dir)
	if err != nil {
		return err
	}
	if cfg.Staging.StaleAfter > 0 {
		n, err := cleanup.Sweep(cleanup.Options{SaveDir: store.Dir(), OlderThan: cfg.Staging.StaleAfter})
		if err != nil {
			slog.Warn("failed to sweep staging directory", "dir", store.Dir(), "err", err)
		} else if n > 0 {
			slog.Info("swept stale frames", "dir", store.Dir(), "removed", n)
		}
	}

	outcomes := broker.New[upload.Outcome](16)
	go outcomes.Start()
	defer outcomes.Stop()

	reporters := []upload.Reporter{
		upload.LogReporter,
		upload.ReporterFunc(outcomes.Broadcast),
	}
	if cfg.MQTT.Broker != "" {
		pub := notify.NewPublisher(notify.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
		})
		if err := pub.Connect(); err != nil {
			slog.Warn("outcomes will not be published", "err", err)
		} else {
			defer pub.Disconnect()
			reporters = append(reporters, pub)
		}
	}

	pipeline := upload.New(upload.Options{
		URL: upload.Endpoint(cfg.Upload.BaseURL),
		Form: upload.Form{
			PhotoID: cfg.Upload.PhotoID,
			VisitID: cfg.Upload.VisitID,
			TaskID:  cfg.Upload.TaskID,
		},
		Timeout:      cfg.Upload.Timeout,
		MaxInFlight:  cfg.Upload.MaxInFlight,
		MaxAttempts:  cfg.Upload.MaxAttempts,
		RetryBackoff: cfg.Upload.RetryBackoff,
	}, &http.Client{}, store, reporters...)

	rec := New(session, store, pipeline, Options{
		Device:         cfg.Camera.Device,
		Interval:       cfg.Schedule.Interval,
		CaptureTimeout: cfg.Schedule.CaptureTimeout,
	})

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Control.Addr != "" {
		srv, err := control.NewServer(cfg.Control.Addr, rec, outcomes)
		if err != nil {
			return err
		}
		if _, err := srv.Listen(subCtx); err != nil {
			return fmt.Errorf("control: %w", err)
		}
		go func() {
			if err := srv.Serve(); err != nil {
				slog.Error("control server failed", "err", err)
				cancel()
			}
		}()
		defer srv.Stop()
	}

	if *cfg.Schedule.AutoStart {
		if err := rec.StartRecording(subCtx); err != nil {
			if cfg.Control.Addr == "" {
				rec.Shutdown(context.Background())
				return err
			}
			slog.Error("failed to start recording, waiting for control requests", "err", err)
		}
	}

	<-subCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := rec.Shutdown(shutdownCtx); err != nil {
		return err
	}
	st := rec.Status()
	slog.Info("recorder stopped", "captures", st.Scheduler.Captures, "uploaded", st.Upload.Uploaded, "failed", st.Upload.Rejected+st.Upload.Failed)
	return nil
}
