package serialmux

import (
	"context"
	"net/http"

	"tailscale.com/tsweb"
)

// DisabledSerialMux stands in when no serial decoder is configured. Its
// subscribers never receive a line, but their channels still close on
// Unsubscribe or Close so readers unblock at shutdown.
type DisabledSerialMux struct {
	subs *fanout
}

var _ SerialMuxInterface = (*DisabledSerialMux)(nil)

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subs: newFanout()}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) { return d.subs.subscribe(0) }
func (d *DisabledSerialMux) Unsubscribe(id string)            { d.subs.unsubscribe(id) }
func (d *DisabledSerialMux) SendCommand(string) error         { return nil }

// Monitor idles until ctx ends.
func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.subs.close()
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KV("Serial decoder", "disabled")
	debug.Handle("serial-tail", "live tail of decoder output (SSE)", tailHandler(d))
}
