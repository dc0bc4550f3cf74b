package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/realtime-ai/nodeplayer/pkg/player"
)

func writeWav(t *testing.T, path string, rate, n int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           make([]int, n),
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
}

func newTestServer(t *testing.T, source string) *WebRTCServer {
	s := NewWebRTCServer(Options{
		Logger: zaptest.NewLogger(t),
		Source: source,
		Hub:    NewEventHub(nil),
	})
	t.Cleanup(s.Close)
	return s
}

func clientOffer(t *testing.T) []byte {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	require.NoError(t, err)
	_, err = pc.CreateDataChannel("control", nil)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	<-gathered

	body, err := json.Marshal(pc.LocalDescription())
	require.NoError(t, err)
	return body
}

func TestNegotiate(t *testing.T) {
	s := newTestServer(t, "/nonexistent.wav")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/session", "application/json", bytes.NewReader(clientOffer(t)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var answer webrtc.SessionDescription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&answer))
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Contains(t, answer.SDP, "opus")

	id := resp.Header.Get("X-Session-Id")
	sess, ok := s.Session(id)
	require.True(t, ok)
	assert.Equal(t, player.StateIdle, sess.Player().State())

	sess.Close()
	assert.Equal(t, 0, s.Sessions())
}

func TestNegotiateRejects(t *testing.T) {
	s := newTestServer(t, "")
	h := s.Handler()

	tests := []struct {
		name   string
		method string
		body   string
		code   int
	}{
		{"get", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"preflight", http.MethodOptions, "", http.StatusOK},
		{"garbage", http.MethodPost, "{", http.StatusBadRequest},
		{"answer instead of offer", http.MethodPost, `{"type":"answer","sdp":""}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, "/session", bytes.NewBufferString(tt.body)))
			assert.Equal(t, tt.code, rec.Code)
		})
	}
	assert.Equal(t, 0, s.Sessions())
}

func TestSessionControl(t *testing.T) {
	src := filepath.Join(t.TempDir(), "tone.wav")
	writeWav(t, src, 48000, 48000/5)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	sess, err := newSession("test", pc, Options{Logger: zaptest.NewLogger(t), Source: src}, nil)
	require.NoError(t, err)
	defer sess.Close()

	st := sess.handleControl([]byte(`{"type":"status"}`))
	assert.Equal(t, "idle", st.State)
	assert.Empty(t, st.Error)

	st = sess.handleControl([]byte(`{"type":"rewind"}`))
	assert.Contains(t, st.Error, "unknown control")

	st = sess.handleControl([]byte(`not json`))
	assert.NotEmpty(t, st.Error)

	// plays to the end at wall-clock rate into an unbound track
	sess.play()
	assert.Equal(t, player.StateComplete, sess.Player().State())
	assert.Equal(t, int64(200_000), sess.Player().Duration())

	st = sess.handleControl([]byte(`{"type":"loop","looping":true}`))
	assert.Empty(t, st.Error)
	assert.True(t, sess.Player().Looping())
}
