package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/sonde.report/internal/broadcast"
)

// runTail prints distribution events from a running service's gRPC
// endpoint, one "<event> <json>" line each.
func runTail(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	addr := fs.String("grpc", "127.0.0.1:5001", "gRPC distribution address of the running service")
	events := fs.String("events", "", "Comma separated event names (default all)")
	count := fs.Int("count", 0, "Exit after this many events (0 for no limit)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var names []string
	for _, n := range strings.Split(*events, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}

	cc, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create gRPC client: %w", err)
	}
	defer cc.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := broadcast.SubscribeRemote(ctx, cc, names...)
	if err != nil {
		return err
	}
	for n := 0; *count == 0 || n < *count; n++ {
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return fmt.Errorf("receive event: %w", err)
		}
		fmt.Fprintf(stdout, "%s %s\n", ev.Name, ev.Data)
	}
	return nil
}
