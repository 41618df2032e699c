package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethan/rtsp-wire/pkg/config"
	"github.com/ethan/rtsp-wire/pkg/logger"
	rtpDemux "github.com/ethan/rtsp-wire/pkg/rtp"
	"github.com/ethan/rtsp-wire/pkg/rtsp"
	"github.com/ethan/rtsp-wire/pkg/session"
	"github.com/ethan/rtsp-wire/pkg/transport"
	pionRTP "github.com/pion/rtp"
)

func main() {
	// Parse command-line flags
	fs := flag.NewFlagSet("rtsp-probe", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("env", ".env", "Path to env file with probe settings")
	urlFlag := fs.String("url", "", "RTSP URL to probe (overrides rtsp_url from the env file)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "RTSP interleaved stream probe\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger from flags
	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	logger.SetDefault(log)

	log.Info("starting RTSP probe", "log_config", logFlags.String())

	// Load configuration; a -url flag alone is enough to run
	cfg, err := config.Load(*envPath)
	if err != nil {
		if *urlFlag == "" {
			log.Error("failed to load configuration", "error", err, "env", *envPath)
			os.Exit(1)
		}
		cfg = &config.Config{
			URL:               *urlFlag,
			KeepaliveInterval: session.DefaultKeepaliveInterval,
			DialTimeout:       transport.DefaultDialTimeout,
			AutoReconnect:     true,
		}
	}
	if *urlFlag != "" {
		cfg.URL = *urlFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Dial the endpoint
	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.DialTimeout)
	tr, err := transport.Dial(dialCtx, cfg.URL, log.With("component", "transport").Logger)
	dialCancel()
	if err != nil {
		log.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	// Listener + demux
	listener := rtsp.NewListener(tr, log.Logger)
	listener.SetAutoReconnect(cfg.AutoReconnect)

	demux := rtpDemux.NewDemux(log.Logger)
	demux.OnPacket = func(channel uint8, pkt *pionRTP.Packet) {
		log.DebugData("RTP packet",
			"channel", channel,
			"seq", pkt.SequenceNumber,
			"timestamp", pkt.Timestamp,
			"payload_type", pkt.PayloadType,
			"payload_size", len(pkt.Payload))
	}
	listener.OnData(demux.HandleData)
	listener.OnMessage(func(msg rtsp.Message) {
		if resp, ok := msg.(*rtsp.Response); ok {
			log.DebugRTSP("response received",
				"status", resp.StatusCode,
				"cseq", resp.CSeq,
				"matched", resp.Request != nil)
		}
	})

	if err := listener.Start(); err != nil {
		log.Error("failed to start listener", "error", err)
		os.Exit(1)
	}

	// Handshake
	sess := session.New(listener, cfg.URL, log.Logger)
	sess.SetKeepaliveInterval(cfg.KeepaliveInterval)
	if err := runHandshake(ctx, sess, cfg); err != nil {
		log.Error("handshake failed", "error", err)
		listener.Close()
		os.Exit(1)
	}

	log.Info("streaming", "remote_addr", listener.RemoteAddress(), "tracks", len(sess.Tracks))

	// Periodic stats until shutdown
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			stats := demux.Stats()
			log.Info("probe statistics",
				"rtp_packets", stats.Packets,
				"rtcp_reports", stats.Reports,
				"decode_errors", stats.DecodeErrors,
				"outstanding_requests", listener.OutstandingRequests(),
				"state", listener.State().String())
		}
	}

	// Graceful teardown
	teardownCtx, teardownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer teardownCancel()
	if err := sess.Teardown(teardownCtx); err != nil {
		log.Warn("teardown failed", "error", err)
	}
	listener.Close()

	stats := demux.Stats()
	log.Info("probe finished",
		"rtp_packets", stats.Packets,
		"rtcp_reports", stats.Reports,
		"decode_errors", stats.DecodeErrors)
}

func runHandshake(ctx context.Context, sess *session.Session, cfg *config.Config) error {
	if err := sess.Options(ctx); err != nil {
		return err
	}
	if err := sess.Describe(ctx, cfg.Username, cfg.Password); err != nil {
		return err
	}
	if len(sess.Tracks) == 0 {
		return fmt.Errorf("no media tracks in DESCRIBE response")
	}
	if err := sess.Setup(ctx); err != nil {
		return err
	}
	return sess.Play(ctx)
}
