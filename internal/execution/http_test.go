package execution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chatpact/internal/domain"
)

func TestHTTPVendorRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/actions/CREATE_WALLET", r.URL.Path)
		var req vendorRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "1234", req.PIN)

		if calls.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.Metadata{TxHash: "0xabc", PublicKey: "0xdef"})
	}))
	defer srv.Close()

	vendor := NewHTTPVendor(srv.URL)
	retrier := &Retrier{Policy: DefaultPolicy(), Sleep: noSleep}

	var out domain.Metadata
	err := retrier.Do(context.Background(), func(ctx context.Context) error {
		var err error
		out, err = vendor.Execute(ctx, pinJob(), "1234")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "0xdef", out.PublicKey)
}

func TestHTTPVendorClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad pin", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewHTTPVendor(srv.URL).Execute(context.Background(), pinJob(), "1234")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "400")
}

func TestHTTPReportSink(t *testing.T) {
	var got reportBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/rooms/room-1/reports", r.URL.Path)
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPReportSink(srv.URL)
	sink.Header = http.Header{"X-Test": []string{"yes"}}
	err := sink.Submit(context.Background(), domain.Report{
		RoomID:   "room-1",
		AgentID:  "agent-1",
		Source:   domain.ActionStake,
		Metadata: domain.Metadata{TxHash: "0x1", Amount: "5"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionStake, got.Source)
	assert.Equal(t, "5", got.Metadata.Amount)
}

func TestHTTPReportSinkServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPReportSink(srv.URL).Submit(context.Background(), domain.Report{RoomID: "r"})
	assert.True(t, IsTransient(err))
}
