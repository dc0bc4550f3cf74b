// Package server exposes playback over HTTP: a WebRTC session endpoint that
// plays a source into a browser peer and a websocket feed of player events.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/elements/rtc"
	"github.com/realtime-ai/nodeplayer/pkg/player"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Logger *zap.Logger
	// Source is the locator every session plays.
	Source   string
	STUNURLs []string
	Stages   rtc.Options
	Player   player.Options
	// Hub, when set, receives the events of every session player.
	Hub *EventHub
}

type WebRTCServer struct {
	sync.RWMutex
	opts  Options
	peers map[string]*Session
}

func NewWebRTCServer(opts Options) *WebRTCServer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.With(zap.String("component", "webrtc_server"))
	return &WebRTCServer{
		opts:  opts,
		peers: make(map[string]*Session),
	}
}

// Sessions is the number of live sessions.
func (s *WebRTCServer) Sessions() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.peers)
}

func (s *WebRTCServer) Session(id string) (*Session, bool) {
	s.RLock()
	defer s.RUnlock()
	sess, ok := s.peers[id]
	return sess, ok
}

func (s *WebRTCServer) configuration() webrtc.Configuration {
	var cfg webrtc.Configuration
	if len(s.opts.STUNURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: s.opts.STUNURLs}}
	}
	return cfg
}

// HandleNegotiate serves /session: it takes a JSON offer, starts a session
// and answers once ICE gathering is complete.
func (s *WebRTCServer) HandleNegotiate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(body, &offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		http.Error(w, "Failed to parse offer", http.StatusBadRequest)
		return
	}

	pc, err := webrtc.NewPeerConnection(s.configuration())
	if err != nil {
		s.opts.Logger.Error("create peer connection", zap.Error(err))
		http.Error(w, "Failed to create peer connection", http.StatusInternalServerError)
		return
	}

	peerID := uuid.New().String()
	sess, err := newSession(peerID, pc, s.opts, s.remove)
	if err != nil {
		s.opts.Logger.Error("create session", zap.Error(err))
		pc.Close()
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	answer, err := s.answer(r.Context(), pc, offer)
	if err != nil {
		s.opts.Logger.Error("negotiate", zap.String("session", peerID), zap.Error(err))
		sess.Close()
		http.Error(w, "Failed to negotiate", http.StatusInternalServerError)
		return
	}

	s.Lock()
	s.peers[peerID] = sess
	s.Unlock()
	s.opts.Logger.Info("session created", zap.String("session", peerID), zap.String("source", s.opts.Source))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Session-Id", peerID)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(answer)
}

func (s *WebRTCServer) answer(ctx context.Context, pc *webrtc.PeerConnection, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, errors.Wrap(err, "set remote description")
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create answer")
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, errors.Wrap(err, "set local description")
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "ice gathering")
	}
	return pc.LocalDescription(), nil
}

func (s *WebRTCServer) remove(sess *Session) {
	s.Lock()
	defer s.Unlock()
	delete(s.peers, sess.ID())
}

// Handler routes /session and, with a hub, /events.
func (s *WebRTCServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", s.HandleNegotiate)
	if s.opts.Hub != nil {
		mux.Handle("/events", s.opts.Hub)
	}
	return mux
}

// Close ends every session.
func (s *WebRTCServer) Close() {
	s.RLock()
	sessions := make([]*Session, 0, len(s.peers))
	for _, sess := range s.peers {
		sessions = append(sessions, sess)
	}
	s.RUnlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

// ListenAndServe serves h on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	return nil
}
