package rtp

import (
	"io"
	"log/slog"
	"testing"

	"github.com/pion/rtcp"
	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/rtsp-wire/pkg/rtsp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDemuxRoutesRTPOnEvenChannel(t *testing.T) {
	src := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: 4242,
			Timestamp:      90000,
			SSRC:           0x11223344,
		},
		Payload: []byte{0x01, 0x02, 0x03},
	}
	wire, err := src.Marshal()
	require.NoError(t, err)

	d := NewDemux(testLogger())
	var gotChannel uint8
	var gotSeq uint16
	d.OnPacket = func(channel uint8, pkt *pionrtp.Packet) {
		gotChannel = channel
		gotSeq = pkt.SequenceNumber
	}

	d.HandleData(&rtsp.Data{Channel: 0, Payload: wire})

	assert.Equal(t, uint8(0), gotChannel)
	assert.Equal(t, uint16(4242), gotSeq)

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Packets)
	assert.Zero(t, stats.Reports)
	assert.Zero(t, stats.DecodeErrors)
}

func TestDemuxRoutesRTCPOnOddChannel(t *testing.T) {
	rr := &rtcp.ReceiverReport{SSRC: 0xAABBCCDD}
	wire, err := rr.Marshal()
	require.NoError(t, err)

	d := NewDemux(testLogger())
	var gotChannel uint8
	var gotCount int
	d.OnReport = func(channel uint8, pkts []rtcp.Packet) {
		gotChannel = channel
		gotCount = len(pkts)
	}

	d.HandleData(&rtsp.Data{Channel: 1, Payload: wire})

	assert.Equal(t, uint8(1), gotChannel)
	assert.Equal(t, 1, gotCount)
	assert.Equal(t, uint64(1), d.Stats().Reports)
}

func TestDemuxCountsDecodeErrors(t *testing.T) {
	d := NewDemux(testLogger())
	var called bool
	d.OnPacket = func(uint8, *pionrtp.Packet) { called = true }
	d.OnReport = func(uint8, []rtcp.Packet) { called = true }

	d.HandleData(&rtsp.Data{Channel: 0, Payload: []byte{0xFF}})
	d.HandleData(&rtsp.Data{Channel: 1, Payload: []byte{0xFF}})

	assert.False(t, called, "handlers must not run for undecodable frames")
	assert.Equal(t, uint64(2), d.Stats().DecodeErrors)
}

func TestDemuxNilHandlersAreSafe(t *testing.T) {
	src := &pionrtp.Packet{Header: pionrtp.Header{Version: 2}, Payload: []byte{0x00}}
	wire, err := src.Marshal()
	require.NoError(t, err)

	d := NewDemux(testLogger())
	d.HandleData(&rtsp.Data{Channel: 0, Payload: wire})
	assert.Equal(t, uint64(1), d.Stats().Packets)
}
