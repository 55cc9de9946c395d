package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveFetchLabelsStatus(t *testing.T) {
	FetchDuration.Reset()
	start := time.Now().Add(-50 * time.Millisecond)

	ObserveFetch("arxiv", start, nil)
	ObserveFetch("arxiv", start, errors.New("timeout"))
	ObserveFetch("html", start, nil)

	assert.Equal(t, 3, testutil.CollectAndCount(FetchDuration))
}

func TestDraftTransitionsCount(t *testing.T) {
	c := DraftTransitions.WithLabelValues("lti", "published")
	before := testutil.ToFloat64(c)
	c.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}
