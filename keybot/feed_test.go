package keybot

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFeedClient(t *testing.T, handler http.Handler) *feedClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return newFeedClient(
		&FeedConfig{
			URL:     srv.URL + "/feed",
			MarkURL: srv.URL + "/mark",
		},
		srv.Client(),
		slog.NewTextHandler(testWriter{t}, nil),
	)
}

func TestFeedFetchPending(t *testing.T) {
	client := newTestFeedClient(
		t,
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(feedPayload{
				Items: []ClaimRecord{
					{ClaimID: "c1", RawToken: "RA-BETA-0001"},
				},
			})
		}),
	)

	payload := client.FetchPending(context.Background())
	require.NotNil(t, payload)
	require.Len(t, payload.Items, 1)
	assert.Equal(t, "c1", payload.Items[0].ClaimID)
}

func TestFeedFetchPendingUnconfigured(t *testing.T) {
	client := newFeedClient(
		&FeedConfig{},
		nil,
		slog.NewTextHandler(testWriter{t}, nil),
	)
	assert.Nil(t, client.FetchPending(context.Background()))
}

func TestFeedFetchPendingFailure(t *testing.T) {
	client := newTestFeedClient(
		t,
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}),
	)
	assert.Nil(t, client.FetchPending(context.Background()))
}

func TestFeedMarkHandled(t *testing.T) {
	var (
		gotPath string
		gotBody map[string]any
	)
	client := newTestFeedClient(
		t,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
		}),
	)

	client.MarkHandled(
		context.Background(),
		"c1",
		claimStatusAnnounced,
		claimNoteSent,
	)

	assert.Equal(t, "/mark", gotPath)
	assert.Equal(t, "c1", gotBody["id"])
	assert.Equal(t, claimStatusAnnounced, gotBody["status"])
	assert.Equal(t, claimNoteSent, gotBody["note"])
}
