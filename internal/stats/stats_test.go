package stats

import (
	"expvar"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/npezzotti/go-codearena/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux, testutil.TestLogger(t))
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")
}

func TestStatsUpdater_unknownMetric(t *testing.T) {
	// built by hand: expvar.NewMap registers globally and may only run
	// once per process name
	su := &StatsUpdater{
		vars:       new(expvar.Map).Init(),
		updateChan: make(chan *metricsUpdateReq, 16),
		log:        testutil.TestLogger(t),
	}
	su.RegisterMetric("Known")

	su.Run()
	su.Incr("Known")
	su.Incr("Unknown")
	su.Incr("Known")
	su.Stop()

	assert.Eventually(t, func() bool {
		v, ok := su.vars.Get("Known").(*expvar.Int)
		return ok && v.Value() == 2
	}, time.Second, 10*time.Millisecond, "updates around an unknown metric still apply")
}
