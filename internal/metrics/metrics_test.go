package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreExposed(t *testing.T) {
	before := testutil.ToFloat64(messagesSent)
	MessageSent()
	assert.Equal(t, before+1, testutil.ToFloat64(messagesSent))

	MessageReceived("push")
	Push(false, 0.1)
	Peers(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(peersRegistered))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pqchat_messages_sent_total")
	assert.Contains(t, rec.Body.String(), `pqchat_push_total{result="failed"}`)
}
