// ABOUTME: Tests for server wiring: a full instance on a loopback listener
// ABOUTME: Exercises messaging, notifications, metrics, auth modes and shutdown

package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/locus-dm/internal/api"
	"github.com/2389/locus-dm/internal/auth"
	"github.com/2389/locus-dm/internal/client"
	"github.com/2389/locus-dm/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(EnvDBPath, "")
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "locus-dm.db")
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	return cfg
}

// startServer serves cfg on a loopback listener and returns its base URL and
// a stop function reporting Serve's result.
func startServer(t *testing.T, cfg *config.Config) (string, func() error) {
	t.Helper()
	srv, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * shutdownTimeout):
			t.Fatal("server did not shut down")
			return nil
		}
	}
	t.Cleanup(func() { _ = stop() })
	return "http://" + ln.Addr().String(), stop
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_EndToEndWithNotifications(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Notifications.Enabled = true
	cfg.Notifications.SkipOnline = false
	cfg.Notifications.Backoff = time.Millisecond

	base, stop := startServer(t, cfg)
	ctx := context.Background()
	alice := client.New(base, client.WithParticipant("alice"))
	bob := client.New(base, client.WithParticipant("bob"))

	require.NoError(t, alice.PutProfile(ctx, api.ProfileRequest{DisplayName: "Dr. Alice"}))
	require.NoError(t, bob.PutProfile(ctx, api.ProfileRequest{DisplayName: "Bob", Email: "bob@example.com"}))

	conv, err := alice.FindOrCreateConversation(ctx, "bob", "")
	require.NoError(t, err)
	_, err = alice.SendMessage(ctx, conv.ID, "Can you cover Friday?", "c-1")
	require.NoError(t, err)

	// retrying the same client message id must not notify twice
	_, err = alice.SendMessage(ctx, conv.ID, "Can you cover Friday?", "c-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, body := getBody(t, base+cfg.Metrics.Path)
		return strings.Contains(body, `locus_dm_notifications_total{result="delivered"} 1`)
	}, 3*time.Second, 20*time.Millisecond)

	n, err := bob.UnreadCount(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, body := getBody(t, base+cfg.Metrics.Path)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `route="/api/conversations/{id}/messages"`)
	assert.NotContains(t, body, `locus_dm_notifications_total{result="failed"}`)

	require.NoError(t, alice.Ready(ctx))
	require.NoError(t, stop())
}

func TestServer_MetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	base, _ := startServer(t, cfg)

	status, _ := getBody(t, base+"/metrics")
	assert.Equal(t, http.StatusNotFound, status)

	status, body := getBody(t, base+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)
}

func TestServer_JWTAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = testSecret
	base, _ := startServer(t, cfg)
	ctx := context.Background()

	// the development header is not trusted once a secret is set
	_, err := client.New(base, client.WithParticipant("alice")).ListConversations(ctx, "")
	var apiErr *client.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)

	entries, err := client.New(base, client.WithToken(token)).ListConversations(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestServer_DBPathOverride(t *testing.T) {
	cfg := testConfig(t)
	override := filepath.Join(t.TempDir(), "override.db")
	t.Setenv(EnvDBPath, override)

	srv, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	assert.FileExists(t, override)
	assert.NoFileExists(t, cfg.Database.Path)
}

func TestNew_RejectsBadSettings(t *testing.T) {
	t.Run("weak secret", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Auth.JWTSecret = "short"
		_, err := New(context.Background(), cfg, nil)
		assert.ErrorIs(t, err, auth.ErrWeakSecret)
	})

	t.Run("unknown transport", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Notifications.Enabled = true
		cfg.Notifications.Transport = "pigeon"
		_, err := New(context.Background(), cfg, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pigeon")
	})
}

func TestNewTransport(t *testing.T) {
	cfg := config.Default().Notifications

	tr, err := newTransport(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "log", tr.Name())

	cfg.Transport = "smtp"
	cfg.SMTP.Host = "mail.example.com"
	cfg.SMTP.From = "noreply@example.com"
	tr, err = newTransport(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "smtp", tr.Name())

	cfg.Transport = "matrix"
	cfg.Matrix = config.MatrixConfig{
		Homeserver:  "https://matrix.example.com",
		UserID:      "@locus:example.com",
		AccessToken: "secret",
	}
	tr, err = newTransport(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "matrix", tr.Name())
}
