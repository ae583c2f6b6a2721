package meta_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/expgov/internal/adapters/meta"
	"github.com/alejandrodnm/expgov/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	since = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	until = time.Date(2026, 4, 7, 0, 0, 0, 0, time.UTC)
)

func newTestClient(srv *httptest.Server) *meta.Client {
	return meta.NewClient(meta.Config{
		BaseURL:     srv.URL,
		APIVersion:  "v19.0",
		AccessToken: "tok",
		RatePerSec:  100,
		RetryWait:   time.Millisecond,
	})
}

func TestFetchDailyInsights_MapsRowsAndFollowsPaging(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v19.0/123/insights":
			q := r.URL.Query()
			assert.Equal(t, "adset", q.Get("level"))
			assert.Equal(t, "1", q.Get("time_increment"))
			assert.Equal(t, "tok", q.Get("access_token"))
			assert.JSONEq(t, `{"since":"2026-04-01","until":"2026-04-07"}`, q.Get("time_range"))
			fmt.Fprintf(w, `{
				"data": [{
					"date_start": "2026-04-01", "date_stop": "2026-04-01",
					"spend": "12.50", "impressions": "1000", "clicks": "40",
					"actions": [
						{"action_type": "purchase", "value": "3"},
						{"action_type": "lead", "value": "2"},
						{"action_type": "link_click", "value": "40"}
					]
				}],
				"paging": {"next": "%s/page2"}
			}`, srv.URL)
		case "/page2":
			w.Write([]byte(`{"data": [{"date_start": "2026-04-02", "spend": "3", "impressions": "200", "clicks": "4"}], "paging": {}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	rows, err := newTestClient(srv).FetchDailyInsights(context.Background(), "123", domain.LevelAdSet, since, until)

	require.NoError(t, err)
	require.Len(t, rows, 2)

	first := rows[0]
	assert.Equal(t, "123", first.EntityID)
	assert.Equal(t, domain.LevelAdSet, first.Level)
	assert.Equal(t, since, first.Date)
	assert.InDelta(t, 12.5, first.Metrics.Spend, 1e-9)
	assert.Equal(t, int64(1000), first.Metrics.Impressions)
	assert.Equal(t, int64(40), first.Metrics.Clicks)
	assert.Equal(t, int64(5), first.Metrics.Conversions) // purchase + lead, link_click no cuenta
	assert.Contains(t, string(first.Raw), `"date_stop"`)

	assert.Equal(t, int64(0), rows[1].Metrics.Conversions)
	assert.Equal(t, int64(200), rows[1].Metrics.Impressions)
}

func TestFetchDailyInsights_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error": {"code": 17, "message": "User request limit reached"}}`))
			return
		}
		w.Write([]byte(`{"data": []}`))
	}))
	defer srv.Close()

	rows, err := newTestClient(srv).FetchDailyInsights(context.Background(), "123", domain.LevelCampaign, since, until)

	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchDailyInsights_RateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"error": {"code": 4, "message": "Application request limit reached"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchDailyInsights(context.Background(), "123", domain.LevelCampaign, since, until)

	require.Error(t, err)
	assert.ErrorIs(t, err, meta.ErrRetriesExhausted)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchDailyInsights_MapsKnownErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"code": 190, "message": "Error validating access token"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchDailyInsights(context.Background(), "123", domain.LevelCampaign, since, until)

	require.Error(t, err)
	var apiErr *meta.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 190, apiErr.Code)
	assert.Contains(t, err.Error(), "Access token expired or invalid")
	assert.Equal(t, int32(1), calls.Load(), "non rate-limit errors are not retried")
}

func TestAPIError_UnknownCode(t *testing.T) {
	err := &meta.APIError{Code: 999, Message: "boom"}
	assert.Equal(t, "Meta error 999: boom", err.Error())
	assert.False(t, err.RateLimited())
}

func TestFetchDailyInsights_ServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchDailyInsights(context.Background(), "123", domain.LevelCampaign, since, until)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "server error 500")
	assert.Equal(t, int32(3), calls.Load())
}
