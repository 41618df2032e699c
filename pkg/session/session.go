// Package session drives a client-side RTSP session over a listener:
// OPTIONS/DESCRIBE/SETUP/PLAY handshake, interleaved transport negotiation
// and keepalive. Media itself arrives through the listener's data
// subscribers, not through this package.
package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/ethan/rtsp-wire/pkg/rtsp"
)

// DefaultKeepaliveInterval paces the OPTIONS requests that keep the server
// session alive while playing.
const DefaultKeepaliveInterval = 25 * time.Second

const userAgent = "rtsp-wire/1.0"

// Track is one media stream negotiated from the DESCRIBE response, mapped
// onto an interleaved channel pair.
type Track struct {
	Channel     uint8 // RTP channel; RTCP rides Channel+1
	MediaType   string
	Control     string
	PayloadType uint8
}

// Session is a client session on top of a started listener.
type Session struct {
	url     string
	baseURL string

	listener          *rtsp.Listener
	logger            *slog.Logger
	keepaliveInterval time.Duration
	keepaliveCancel   context.CancelFunc

	mu        sync.Mutex
	sessionID string
	waiters   map[uint32]chan *rtsp.Response
	early     map[uint32]*rtsp.Response

	// Tracks maps RTP channel id to track, populated by Describe.
	Tracks map[uint8]*Track
}

// New attaches a session to listener. The listener must be started before
// the first request is sent.
func New(listener *rtsp.Listener, rtspURL string, logger *slog.Logger) *Session {
	s := &Session{
		url:               rtspURL,
		baseURL:           rtspURL,
		listener:          listener,
		logger:            logger.With("component", "session"),
		keepaliveInterval: DefaultKeepaliveInterval,
		waiters:           make(map[uint32]chan *rtsp.Response),
		early:             make(map[uint32]*rtsp.Response),
		Tracks:            make(map[uint8]*Track),
	}
	listener.OnMessage(s.handleMessage)
	return s
}

// SetKeepaliveInterval overrides the keepalive pacing. Call before Play.
func (s *Session) SetKeepaliveInterval(d time.Duration) {
	if d > 0 {
		s.keepaliveInterval = d
	}
}

// handleMessage routes correlated responses to their waiters. Responses the
// listener delivers before the waiter registered are parked in the early
// map. Server-initiated requests are only logged; this client answers none.
func (s *Session) handleMessage(msg rtsp.Message) {
	switch m := msg.(type) {
	case *rtsp.Response:
		s.mu.Lock()
		if ch, ok := s.waiters[m.CSeq]; ok {
			delete(s.waiters, m.CSeq)
			s.mu.Unlock()
			ch <- m
			return
		}
		s.early[m.CSeq] = m
		s.mu.Unlock()
	case *rtsp.Request:
		s.logger.Debug("server request ignored", "method", m.Method, "cseq", m.CSeq)
	}
}

// Do sends req and blocks until the matching response arrives or ctx is
// done. A non-2xx status is returned as an error alongside the response.
func (s *Session) Do(ctx context.Context, req *rtsp.Request) (*rtsp.Response, error) {
	cseq, sent, err := s.listener.SendRequest(req)
	if err != nil {
		return nil, err
	}
	if !sent {
		return nil, rtsp.ErrDisconnected
	}

	s.mu.Lock()
	if resp, ok := s.early[cseq]; ok {
		delete(s.early, cseq)
		s.mu.Unlock()
		return checkStatus(resp)
	}
	ch := make(chan *rtsp.Response, 1)
	s.waiters[cseq] = ch
	s.mu.Unlock()

	select {
	case resp := <-ch:
		return checkStatus(resp)
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.waiters, cseq)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

func checkStatus(resp *rtsp.Response) (*rtsp.Response, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, fmt.Errorf("rtsp error: %d %s", resp.StatusCode, resp.Reason)
	}
	return resp, nil
}

// Options sends an OPTIONS request.
func (s *Session) Options(ctx context.Context) error {
	resp, err := s.Do(ctx, s.newRequest("OPTIONS", s.url))
	if err != nil {
		return fmt.Errorf("OPTIONS: %w", err)
	}
	s.logger.Debug("OPTIONS response", "public", resp.Header.Get("Public"))
	return nil
}

// Describe fetches and parses the SDP description, populating Tracks. Basic
// auth is attached when username is non-empty.
func (s *Session) Describe(ctx context.Context, username, password string) error {
	req := s.newRequest("DESCRIBE", s.url)
	req.Header.Set("Accept", "application/sdp")
	if username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		req.Header.Set("Authorization", "Basic "+auth)
	}

	resp, err := s.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("DESCRIBE: %w", err)
	}

	// The server may hand back a different base URL than the request URL;
	// SETUP and PLAY must use it.
	if contentBase := resp.Header.Get("Content-Base"); contentBase != "" {
		s.baseURL = strings.TrimSpace(contentBase)
		s.logger.Info("using Content-Base for subsequent requests",
			"original_url", s.url,
			"content_base", s.baseURL)
	}

	if err := s.parseSDP(resp.Body); err != nil {
		return fmt.Errorf("parse SDP: %w", err)
	}
	return nil
}

func (s *Session) parseSDP(body []byte) error {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return err
	}

	var channel uint8
	for _, media := range desc.MediaDescriptions {
		track := &Track{
			Channel:   channel,
			MediaType: media.MediaName.Media,
		}
		if len(media.MediaName.Formats) > 0 {
			if pt, err := strconv.Atoi(media.MediaName.Formats[0]); err == nil {
				track.PayloadType = uint8(pt)
			}
		}
		if control, ok := media.Attribute("control"); ok {
			track.Control = control
		}
		s.Tracks[channel] = track
		channel += 2 // RTP on even, RTCP on odd
	}

	s.logger.Info("parsed SDP", "tracks", len(s.Tracks))
	for _, t := range s.Tracks {
		s.logger.Debug("media track",
			"channel", t.Channel,
			"type", t.MediaType,
			"payload_type", t.PayloadType,
			"control", t.Control)
	}
	return nil
}

// Setup negotiates interleaved TCP transport for every track.
func (s *Session) Setup(ctx context.Context) error {
	for _, track := range s.Tracks {
		if err := s.setupTrack(ctx, track); err != nil {
			return fmt.Errorf("setup track %d: %w", track.Channel, err)
		}
	}
	return nil
}

func (s *Session) setupTrack(ctx context.Context, track *Track) error {
	req := s.newRequest("SETUP", s.controlURL(track))
	req.Header.Set("Transport", fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d",
		track.Channel, track.Channel+1))

	resp, err := s.Do(ctx, req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.sessionID == "" {
		session := resp.Header.Get("Session")
		// The value may carry parameters: "123456;timeout=60".
		if idx := strings.IndexByte(session, ';'); idx > 0 {
			session = session[:idx]
		}
		s.sessionID = session
	}
	sessionID := s.sessionID
	s.mu.Unlock()

	transportResp := resp.Header.Get("Transport")
	s.logger.Info("track setup complete",
		"channel", track.Channel,
		"type", track.MediaType,
		"session", sessionID,
		"transport", transportResp)

	if !strings.Contains(transportResp, "interleaved") {
		s.logger.Warn("server transport response missing 'interleaved', TCP transport may be rejected",
			"transport", transportResp)
	}
	return nil
}

// controlURL resolves a track's control attribute against the base URL.
func (s *Session) controlURL(track *Track) string {
	if strings.HasPrefix(track.Control, "rtsp://") || strings.HasPrefix(track.Control, "rtsps://") {
		return track.Control
	}
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return s.baseURL
	}
	if track.Control != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(track.Control, "/")
	}
	return u.String()
}

// Play starts streaming and spawns the keepalive goroutine. Interleaved
// frames begin arriving on the listener's data subscribers as soon as the
// server responds.
func (s *Session) Play(ctx context.Context) error {
	playURL := s.baseURL
	if u, err := url.Parse(playURL); err == nil {
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		playURL = u.String()
	}

	req := s.newRequest("PLAY", playURL)
	req.Header.Set("Range", "npt=0.000-")

	if _, err := s.Do(ctx, req); err != nil {
		return fmt.Errorf("PLAY: %w", err)
	}

	s.startKeepalive(ctx)
	return nil
}

// startKeepalive sends periodic OPTIONS so the server keeps the session
// alive between media packets.
func (s *Session) startKeepalive(ctx context.Context) {
	keepaliveCtx, cancel := context.WithCancel(ctx)
	s.keepaliveCancel = cancel

	go func() {
		ticker := time.NewTicker(s.keepaliveInterval)
		defer ticker.Stop()

		s.logger.Debug("keepalive started", "interval", s.keepaliveInterval)
		for {
			select {
			case <-keepaliveCtx.Done():
				s.logger.Debug("keepalive stopped")
				return
			case <-ticker.C:
				// Fire and forget; the response drains through the
				// correlator like any other.
				if _, _, err := s.listener.SendRequest(s.newRequest("OPTIONS", s.url)); err != nil {
					s.logger.Warn("keepalive OPTIONS failed", "error", err)
					return
				}
			}
		}
	}()
}

// Teardown stops keepalive and tells the server to end the session. The
// listener itself stays under the caller's control.
func (s *Session) Teardown(ctx context.Context) error {
	if s.keepaliveCancel != nil {
		s.keepaliveCancel()
		s.keepaliveCancel = nil
	}

	_, _, err := s.listener.SendRequest(s.newRequest("TEARDOWN", s.baseURL))
	return err
}

func (s *Session) newRequest(method, reqURL string) *rtsp.Request {
	req := &rtsp.Request{Method: method, URL: reqURL}
	req.Header.Set("User-Agent", userAgent)
	s.mu.Lock()
	if s.sessionID != "" {
		req.Header.Set("Session", s.sessionID)
	}
	s.mu.Unlock()
	return req
}
