package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/gateway"
	"github.com/warp/labor-events/pipeline"
)

func newClient(t *testing.T, url string, cfg gateway.Config) *gateway.Client {
	t.Helper()
	cfg.BaseURL = url
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	c, err := gateway.New(cfg)
	require.NoError(t, err)
	return c
}

func sampleSubmission() pipeline.Submission {
	return pipeline.Submission{
		BatchID:       "b-1",
		CompanyID:     "co-1",
		EmployerTaxID: "11222333000181",
		GroupType:     catalog.GroupNonPeriodic,
		Environment:   pipeline.EnvironmentRestricted,
		Events: []pipeline.SubmittedEvent{
			{EventID: "evt-1", ExternalID: "ID1", Type: catalog.TypeAdmission, Document: []byte("<eSocial/>")},
		},
	}
}

func TestSubmit_SendsBatchWithToken(t *testing.T) {
	// GIVEN: A gateway that records the request
	var got pipeline.Submission
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/batches", r.URL.Path)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"protocol_number":"P-123"}`))
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, gateway.Config{Token: "secret"})

	// WHEN: A batch is submitted
	protocol, err := client.Submit(context.Background(), sampleSubmission())

	// THEN: The protocol number comes back and the payload arrived intact
	require.NoError(t, err)
	assert.Equal(t, "P-123", protocol)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "b-1", got.BatchID)
	require.Len(t, got.Events, 1)
	assert.Equal(t, []byte("<eSocial/>"), got.Events[0].Document)
}

func TestSubmit_RetriesServerErrors(t *testing.T) {
	// GIVEN: A gateway that fails twice before accepting
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"protocol_number":"P-1"}`))
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, gateway.Config{MaxRetries: 3})

	// WHEN: Submitting
	protocol, err := client.Submit(context.Background(), sampleSubmission())

	// THEN: The third attempt succeeds
	require.NoError(t, err)
	assert.Equal(t, "P-1", protocol)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSubmit_ClientErrorIsNotRetryable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"schema","message":"invalid document"}`))
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, gateway.Config{MaxRetries: 3})

	_, err := client.Submit(context.Background(), sampleSubmission())

	var apiErr *gateway.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "schema", apiErr.Code)
	assert.False(t, apiErr.Retryable())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// The pipeline sees the same verdict through the transport error.
	assert.False(t, pipeline.IsRetryable(&pipeline.TransportError{Op: "submit", BatchID: "b-1", Err: err}))
}

func TestPoll_ProcessingAndProcessed(t *testing.T) {
	// GIVEN: A gateway that is still processing on the first poll
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batches/P-1", r.URL.Path)
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Write([]byte(`{"status":"PROCESSING"}`))
			return
		}
		w.Write([]byte(`{"status":"PROCESSED","results":[
			{"event_id":"evt-1","external_id":"ID1","accepted":true,"receipt":"R-1"},
			{"event_id":"evt-2","external_id":"ID2","accepted":false,"code":"E201","message":"bad cpf"}
		]}`))
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, gateway.Config{})
	ctx := context.Background()

	// WHEN: Polling twice
	first, err := client.Poll(ctx, "P-1")
	require.NoError(t, err)
	second, err := client.Poll(ctx, "P-1")
	require.NoError(t, err)

	// THEN: The first poll has no results, the second has both outcomes
	assert.Empty(t, first.Results)
	require.Len(t, second.Results, 2)
	assert.True(t, second.Results[0].Accepted)
	assert.Equal(t, "R-1", second.Results[0].Receipt)
	assert.Equal(t, "E201", second.Results[1].Code)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	// GIVEN: A gateway that is down and a breaker tripping after two failures
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, gateway.Config{
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	})
	ctx := context.Background()

	// WHEN: Submitting three times
	_, err1 := client.Submit(ctx, sampleSubmission())
	_, err2 := client.Submit(ctx, sampleSubmission())
	_, err3 := client.Submit(ctx, sampleSubmission())

	// THEN: The third call never reaches the gateway
	require.Error(t, err1)
	require.Error(t, err2)
	assert.ErrorIs(t, err3, gateway.ErrCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.True(t, pipeline.IsRetryable(&pipeline.TransportError{Op: "submit", Err: err3}))
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := gateway.New(gateway.Config{})
	assert.Error(t, err)
}

// =============================================================================
// FAKE
// =============================================================================

func TestFake_ScriptedOutcomes(t *testing.T) {
	fake := gateway.NewFake()
	ctx := context.Background()

	sub := sampleSubmission()
	sub.Events = append(sub.Events,
		pipeline.SubmittedEvent{EventID: "evt-2", ExternalID: "ID2"},
		pipeline.SubmittedEvent{EventID: "evt-3", ExternalID: "ID3"},
	)
	fake.Reject("evt-2", "E1", "rejected")
	fake.Hold("evt-3")

	fake.FailNextSubmit(assert.AnError)
	_, err := fake.Submit(ctx, sub)
	require.ErrorIs(t, err, assert.AnError)

	protocol, err := fake.Submit(ctx, sub)
	require.NoError(t, err)

	res, err := fake.Poll(ctx, protocol)
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].Accepted)
	assert.Equal(t, "REC-evt-1", res.Results[0].Receipt)
	assert.False(t, res.Results[1].Accepted)
	assert.Equal(t, "ID2", res.Results[1].ExternalID)

	fake.Release("evt-3")
	res, err = fake.Poll(ctx, protocol)
	require.NoError(t, err)
	assert.Len(t, res.Results, 3)
	assert.Len(t, fake.Submissions(), 1)
	assert.Equal(t, 2, fake.Polls())
}
