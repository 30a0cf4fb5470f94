package source

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/sonde.report/internal/monitoring"
)

// PCAPReplayConfig configures ReplayPCAP.
type PCAPReplayConfig struct {
	// Port keeps only UDP packets to this destination port; 0 keeps all.
	Port int
	// SpeedMultiplier paces packets by their capture timestamps (1.0 is real
	// time, 2.0 twice as fast). Zero replays as fast as the sink accepts.
	SpeedMultiplier float64
}

// ReplayPCAP feeds the UDP payloads of a capture file to sink. The file is
// read with the pure Go pcapgo reader, so no libpcap is needed.
func ReplayPCAP(ctx context.Context, path string, config PCAPReplayConfig, sink Sink) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read PCAP header %s: %w", path, err)
	}
	monitoring.Infof("source: replaying %s (port %d, speed %.1fx)", path, config.Port, config.SpeedMultiplier)

	packetSource := gopacket.NewPacketSource(r, r.LinkType())
	packetCount := 0
	var firstCapture time.Time
	replayStart := time.Now()

	for {
		var packet gopacket.Packet
		select {
		case <-ctx.Done():
			monitoring.Debugf("source: PCAP replay stopping (processed %d packets)", packetCount)
			return ctx.Err()
		case packet = <-packetSource.Packets():
		}
		if packet == nil {
			monitoring.Infof("source: PCAP replay complete: %d packets", packetCount)
			return nil
		}

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if config.Port != 0 && int(udp.DstPort) != config.Port {
			continue
		}
		packetCount++

		if config.SpeedMultiplier > 0 {
			ts := packet.Metadata().Timestamp
			if firstCapture.IsZero() {
				firstCapture = ts
			}
			due := replayStart.Add(time.Duration(float64(ts.Sub(firstCapture)) / config.SpeedMultiplier))
			if err := sleepUntil(ctx, due); err != nil {
				return err
			}
		}

		if err := sink.Add(decode(udp.Payload)); err != nil {
			return err
		}
	}
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
