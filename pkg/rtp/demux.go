// Package rtp fans interleaved RTSP data frames out to RTP and RTCP
// handlers. By RTSP convention RTP rides the even channel of a pair and
// RTCP the odd one.
package rtp

import (
	"log/slog"
	"sync/atomic"

	"github.com/pion/rtcp"
	pionrtp "github.com/pion/rtp"

	"github.com/ethan/rtsp-wire/pkg/rtsp"
)

// PacketHandler receives decoded RTP packets. The packet references the
// frame's payload buffer and must not be retained after the call returns.
type PacketHandler func(channel uint8, pkt *pionrtp.Packet)

// ReportHandler receives decoded RTCP compound packets, under the same
// retention rule as PacketHandler.
type ReportHandler func(channel uint8, pkts []rtcp.Packet)

// Demux decodes interleaved data frames and routes them by channel parity.
// Wire it to a listener with listener.OnData(d.HandleData). Frames are
// released after the handler returns.
type Demux struct {
	logger *slog.Logger

	OnPacket PacketHandler
	OnReport ReportHandler

	packets      atomic.Uint64
	reports      atomic.Uint64
	decodeErrors atomic.Uint64
}

// NewDemux creates a demux. Handlers are assigned by the caller before the
// listener starts.
func NewDemux(logger *slog.Logger) *Demux {
	return &Demux{logger: logger.With("component", "demux")}
}

// HandleData decodes one interleaved frame and invokes the matching
// handler. The frame's buffer is returned to its pool when HandleData
// returns.
func (d *Demux) HandleData(data *rtsp.Data) {
	defer data.Release()

	if data.Channel%2 == 0 {
		pkt := &pionrtp.Packet{}
		if err := pkt.Unmarshal(data.Payload); err != nil {
			d.decodeErrors.Add(1)
			d.logger.Warn("failed to unmarshal RTP packet",
				"channel", data.Channel,
				"size", len(data.Payload),
				"error", err)
			return
		}
		d.packets.Add(1)
		if d.OnPacket != nil {
			d.OnPacket(data.Channel, pkt)
		}
		return
	}

	pkts, err := rtcp.Unmarshal(data.Payload)
	if err != nil {
		d.decodeErrors.Add(1)
		d.logger.Warn("failed to unmarshal RTCP packet",
			"channel", data.Channel,
			"size", len(data.Payload),
			"error", err)
		return
	}
	d.reports.Add(1)
	if d.OnReport != nil {
		d.OnReport(data.Channel, pkts)
	}
}

// Stats is a snapshot of demux counters.
type Stats struct {
	Packets      uint64
	Reports      uint64
	DecodeErrors uint64
}

// Stats returns the current counters.
func (d *Demux) Stats() Stats {
	return Stats{
		Packets:      d.packets.Load(),
		Reports:      d.reports.Load(),
		DecodeErrors: d.decodeErrors.Load(),
	}
}
