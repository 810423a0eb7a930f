package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.MessageAppended()
	m.MessageAppended()
	m.ConversationCreated()
	m.MessagesRead(3)
	m.MessagesRead(0)
	m.Notification(ResultDelivered)
	m.Notification(ResultFailed)
	m.Notification(ResultFailed)
	m.EnrichmentFailed("profile")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesAppended))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conversationsCreated))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.readsMarked))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.notifications.WithLabelValues(ResultFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.enrichmentFailures.WithLabelValues("profile")))
}

func TestMetrics_StreamGauge(t *testing.T) {
	m := New()
	done := m.StreamOpened()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeStreams))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeStreams))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.MessageAppended()
	m.Notification(ResultDropped)
	m.ObserveHTTP("GET", "/health", 200, time.Millisecond)
	m.StreamOpened()()
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveHTTP("POST", "/api/conversations", 201, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `locus_dm_http_requests_total{method="POST",route="/api/conversations",status="201"} 1`))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
