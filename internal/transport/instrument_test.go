package transport

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestInstrumentRestoresOriginalRoundTripper(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(protocol.HeaderRateLimitRemaining, "7")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	original := srv.Client().Transport
	client := &http.Client{Transport: original}

	var seen atomic.Int32
	var remaining atomic.Int32
	release := Instrument(client, func(m protocol.Metadata) {
		seen.Add(1)
		if m.Remaining != nil {
			remaining.Store(int32(*m.Remaining))
		}
	})
	assert.NotEqual(t, original, client.Transport)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(1), seen.Load())
	assert.Equal(t, int32(7), remaining.Load())

	release()
	release()
	assert.Equal(t, original, client.Transport)

	resp, err = client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(1), seen.Load(), "released observer must not fire")
}

func TestInstrumentDoesNotStackWrappers(t *testing.T) {
	calls := 0
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: http.NoBody, Request: r}, nil
	})
	client := &http.Client{Transport: base}

	var first, second atomic.Int32
	releaseA := Instrument(client, func(protocol.Metadata) { first.Add(1) })
	wrapped := client.Transport
	releaseB := Instrument(client, func(protocol.Metadata) { second.Add(1) })
	assert.Same(t, wrapped, client.Transport)

	req, err := http.NewRequest(http.MethodGet, "http://gateway.test/", nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(1), second.Load())

	releaseA()
	assert.Same(t, wrapped, client.Transport, "still referenced")
	releaseB()
	assert.IsType(t, roundTripFunc(nil), client.Transport)

	for i := 0; i < 10; i++ {
		Instrument(client, func(protocol.Metadata) {})()
	}
	assert.IsType(t, roundTripFunc(nil), client.Transport)
}

func TestInstrumentNilTransportRestoresNil(t *testing.T) {
	client := &http.Client{}
	release := Instrument(client, func(protocol.Metadata) {})
	require.NotNil(t, client.Transport)
	release()
	assert.Nil(t, client.Transport)
}
