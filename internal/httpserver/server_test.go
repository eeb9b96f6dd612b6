package httpserver

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/EchoPBX/subpub/internal/config"
	"github.com/EchoPBX/subpub/internal/metrics"
	"github.com/EchoPBX/subpub/internal/trace"
	"github.com/EchoPBX/subpub/pkg/eventbus"
	"github.com/EchoPBX/subpub/pkg/tracker"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sensor struct {
	name string
}

func (s *sensor) OnReading(v int) {}

type fixture struct {
	srv  *httptest.Server
	bus  *eventbus.Bus
	refs *tracker.Registry
	keep []*sensor
}

func newFixture(t *testing.T, cfg *config.Config, tweaks ...func(*Server)) *fixture {
	t.Helper()
	refs := tracker.New()
	feed := trace.NewFeed()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, refs)
	bus := eventbus.New(refs, eventbus.WithHook(feed.Observe), eventbus.WithHook(m.Observe))
	eventbus.MustSubscribe(bus, (*sensor).OnReading)

	f := &fixture{bus: bus, refs: refs}
	f.keep = append(f.keep,
		tracker.Track(refs, &sensor{name: "a"}),
		tracker.Track(refs, &sensor{name: "b"}))

	s, err := New(cfg, zap.NewNop(), bus, feed, reg)
	require.NoError(t, err)
	for _, tw := range tweaks {
		tw(s)
	}
	f.srv = httptest.NewServer(s.Router())
	t.Cleanup(f.srv.Close)
	return f
}

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("{}"))
	require.NoError(t, err)
	return cfg
}

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, defaultConfig(t))
	code, body := get(t, f.srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)
}

func TestSubscriptionsAndInstances(t *testing.T) {
	f := newFixture(t, defaultConfig(t))

	code, body := get(t, f.srv.URL+"/v1/subscriptions", "")
	require.Equal(t, http.StatusOK, code)
	var subs map[string][]string
	require.NoError(t, json.Unmarshal([]byte(body), &subs))
	assert.Equal(t, map[string][]string{"reading": {"*httpserver.sensor.OnReading"}}, subs)

	code, body = get(t, f.srv.URL+"/v1/instances", "")
	require.Equal(t, http.StatusOK, code)
	var stats []tracker.Stat
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.Equal(t, []tracker.Stat{{Type: "*httpserver.sensor", Live: 2, Total: 2}}, stats)

	code, body = get(t, f.srv.URL+"/v1/info", "")
	require.Equal(t, http.StatusOK, code)
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &info))
	assert.Equal(t, "subpub", info["name"])
	assert.Equal(t, 1.0, info["events"])
	runtime.KeepAlive(f.keep)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, defaultConfig(t))
	require.NoError(t, f.bus.Publish("reading", 42))

	code, body := get(t, f.srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `subpub_deliveries_total{event="reading"} 2`)
	assert.Contains(t, body, `subpub_tracked_instances{type="*httpserver.sensor"} 2`)
	runtime.KeepAlive(f.keep)
}

func TestAuth(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ops"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	certPath := filepath.Join(t.TempDir(), "ops.pem")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))

	cfg := defaultConfig(t)
	cfg.Auth.Enabled = true
	cfg.Auth.JWTPublicKeys = []string{certPath}
	cfg.Auth.Issuer = "subpub"
	f := newFixture(t, cfg)

	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, jwtlib.MapClaims{
		"iss": "subpub",
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	tok.Header["kid"] = "ops"
	signed, err := tok.SignedString(key)
	require.NoError(t, err)

	code, _ := get(t, f.srv.URL+"/v1/subscriptions", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, f.srv.URL+"/v1/subscriptions", "garbage")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, f.srv.URL+"/v1/subscriptions", signed)
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, f.srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestNewRejectsBadAuthConfig(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Auth.Enabled = true
	cfg.Auth.JWTPublicKeys = []string{filepath.Join(t.TempDir(), "missing.pem")}
	_, err := New(cfg, zap.NewNop(), eventbus.New(tracker.New()), trace.NewFeed(), nil)
	assert.Error(t, err)
}

func dialTrace(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/trace"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// publishAfter publishes "reading" every 10ms once delay has passed, until
// the test ends. The server subscribes to the feed just after the handshake,
// so a single publish could be missed.
func publishAfter(t *testing.T, f *fixture, delay time.Duration) {
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}
		tk := time.NewTicker(10 * time.Millisecond)
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				_ = f.bus.Publish("reading", 7)
			}
		}
	}()
}

func TestTraceStream(t *testing.T) {
	f := newFixture(t, defaultConfig(t))
	conn := dialTrace(t, f)
	publishAfter(t, f, 0)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var rec trace.Record
	require.NoError(t, conn.ReadJSON(&rec))
	assert.Equal(t, "reading", rec.Event)
	assert.Equal(t, 1, rec.Args)
	assert.Equal(t, 2, rec.Deliveries)
	assert.NotEmpty(t, rec.ID)
	runtime.KeepAlive(f.keep)
}

func TestTraceStreamKeepsIdleWatcher(t *testing.T) {
	f := newFixture(t, defaultConfig(t), func(s *Server) {
		s.pingEvery = 20 * time.Millisecond
		s.readWait = 150 * time.Millisecond
	})

	conn := dialTrace(t, f)
	start := time.Now()
	publishAfter(t, f, 500*time.Millisecond)

	// reading answers the server's pings while nothing is published
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var rec trace.Record
	require.NoError(t, conn.ReadJSON(&rec))
	assert.Equal(t, "reading", rec.Event)
	assert.Greater(t, time.Since(start), 150*time.Millisecond)
	runtime.KeepAlive(f.keep)
}
