package cleanup

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	staging "github.com/ef-robotics/ailet/pkg/staging"
)

type Options struct {
	SaveDir   string
	OlderThan time.Duration
}

func Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	opt := Options{}

	fs.StringVar(&opt.SaveDir, "d", "/tmp/ailet/pictures", "staging directory to sweep")
	fs.DurationVar(&opt.OlderThan, "s", 24*time.Hour, "delete staged frames older than this duration from now")

	if err := fs.Parse(args); err != nil {
		return err
	}

	_, err := Sweep(opt)
	return err
}

// Sweep deletes staged frames captured before now-OlderThan and any partially
// written staging files. It returns the number of files removed.
func Sweep(opt Options) (int, error) {
	entries, err := os.ReadDir(opt.SaveDir)
	if err != nil {
		return 0, err
	}

	cutoffTime := time.Now().Add(-1 * opt.OlderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := filepath.Join(opt.SaveDir, name)

		var stale bool
		if staging.IsTemp(name) {
			info, err := entry.Info()
			if err != nil {
				slog.Error("failed to stat file", "file", match, "err", err)
				continue
			}
			stale = cutoffTime.After(info.ModTime())
		} else if ts, ok := staging.ParseName(name); ok {
			stale = cutoffTime.After(ts)
		} else {
			slog.Debug("file name does not match staged format", "file", match)
			continue
		}
		if !stale {
			continue
		}

		if err := os.Remove(match); err != nil {
			slog.Error("failed to remove file", "file", match, "err", err)
		} else {
			removed++
			slog.Info("file removed", "file", match)
		}
	}

	return removed, nil
}
