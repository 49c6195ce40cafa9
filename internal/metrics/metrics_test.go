package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MessageEnqueued()
	m.MessageEnqueued()
	m.MessageProcessed(OutcomeReplied)
	m.MessageProcessed(OutcomeRejected)
	m.MessageProcessed(OutcomeRejected)
	m.AdmissionRejected()
	m.ObserveGeneration("whole", 200*time.Millisecond, nil)
	m.ObserveGeneration("stream", time.Second, errors.New("boom"))
	m.DeliveryAttempt()
	m.DeliveryFailed()
	m.PersistenceFailed()
	m.PanicRecovered()
	m.SetQueueDepth(7)
	m.SetActiveSessions(3)
	m.FlushCompleted(nil)
	m.FlushCompleted(errors.New("down"))
	m.SessionsEvicted(4)

	assert.InDelta(t, 2, testutil.ToFloat64(m.enqueued), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.processed.WithLabelValues(OutcomeReplied)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.processed.WithLabelValues(OutcomeRejected)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.admissionRejected), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.generationFailures), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.deliveryAttempts), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.deliveryFailures), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.persistenceFailures), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.panics), 0)
	assert.InDelta(t, 7, testutil.ToFloat64(m.queueDepth), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.activeSessions), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.flushes.WithLabelValues("error")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.evictions), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(m.generationDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.MessageEnqueued()
		m.MessageProcessed(OutcomeFallback)
		m.AdmissionRejected()
		m.ObserveGeneration("whole", time.Second, nil)
		m.DeliveryAttempt()
		m.DeliveryFailed()
		m.PersistenceFailed()
		m.PanicRecovered()
		m.SetQueueDepth(1)
		m.SetActiveSessions(1)
		m.FlushCompleted(nil)
		m.SessionsEvicted(1)
	})
}

func TestHandler_ServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.MessageEnqueued()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "chatrelay_messages_enqueued_total 1"))
}
