package collect

import (
	"context"
	"flag"
	"fmt"
	"os"
)

type Options struct {
	Addr      string
	ImgDir    string
	ProxyAddr string
	// ForceStatus, when non-zero, answers every upload with that status.
	ForceStatus int
}

func Run(ctx context.Context, args []string) error {

	fs := flag.NewFlagSet("collect", flag.ExitOnError)
	opt := Options{}
	fs.StringVar(&opt.Addr, "l", "localhost:8000", "listen address")
	fs.StringVar(&opt.ImgDir, "d", "/tmp/ailet/collected", "directory in which to store received photos")
	fs.StringVar(&opt.ProxyAddr, "proxy", "", "base URL under which stored photos are reachable (default http://<listen address>/image)")
	fs.IntVar(&opt.ForceStatus, "status", 0, "answer every upload with this HTTP status, e.g. 503")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if opt.ForceStatus != 0 && (opt.ForceStatus < 100 || opt.ForceStatus > 599) {
		return fmt.Errorf("invalid forced status %d", opt.ForceStatus)
	}
	if opt.ProxyAddr == "" {
		opt.ProxyAddr = fmt.Sprintf("http://%s/image", opt.Addr)
	}
	if err := os.MkdirAll(opt.ImgDir, 0o755); err != nil {
		return err
	}

	server := NewServer(opt)

	go func() {
		<-ctx.Done()
		server.Stop()
	}()

	return server.Start()
}
