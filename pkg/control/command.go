package control

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	protojson "google.golang.org/protobuf/encoding/protojson"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

const DefaultAddr = "unix:///tmp/ailet.control"

type Options struct {
	Addr    string
	Timeout time.Duration
}

// Run implements "ctl [flags] start|stop|status|watch|health".
func Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ctl", flag.ExitOnError)
	opt := Options{}
	fs.StringVar(&opt.Addr, "a", DefaultAddr, "control server address")
	fs.DurationVar(&opt.Timeout, "t", 10*time.Second, "request timeout; ignored by watch")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("missing action: [start, stop, status, watch, health]")
	}

	client, err := Dial(opt.Addr)
	if err != nil {
		return err
	}
	defer client.Close()

	return run(ctx, client, opt, fs.Arg(0), os.Stdout)
}

func run(ctx context.Context, client *Client, opt Options, action string, out io.Writer) error {
	if action == "watch" {
		return client.WatchOutcomes(ctx, func(msg *structpb.Struct) {
			b, err := protojson.Marshal(msg)
			if err != nil {
				return
			}
			fmt.Fprintln(out, string(b))
		})
	}

	reqCtx, cancel := context.WithTimeout(ctx, opt.Timeout)
	defer cancel()

	var resp *structpb.Struct
	var err error
	switch action {
	case "start":
		resp, err = client.StartRecording(reqCtx)
	case "stop":
		resp, err = client.StopRecording(reqCtx)
	case "status":
		resp, err = client.Status(reqCtx)
	case "health":
		st, herr := client.Health(reqCtx)
		if herr != nil {
			return herr
		}
		fmt.Fprintln(out, st.String())
		return nil
	default:
		return fmt.Errorf("unknown action: %s", action)
	}
	if err != nil {
		return err
	}

	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(b))
	return nil
}
