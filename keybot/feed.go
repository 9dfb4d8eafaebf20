package keybot

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/lmittmann/tint"
)

// feedClient polls the secondary push-style claim feed. Like the backend
// client, everything is best-effort and nothing propagates to the caller.
type feedClient struct {
	config     *FeedConfig
	httpClient *http.Client
	logger     *slog.Logger
}

func newFeedClient(
	config *FeedConfig,
	httpClient *http.Client,
	handler slog.Handler,
) *feedClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &feedClient{
		config:     config,
		httpClient: httpClient,
		logger:     slog.New(handler).With(loggerNameKey, "feed"),
	}
}

type feedPayload struct {
	Items []ClaimRecord `json:"items"`
}

// FetchPending performs a single GET against the feed URL. Returns nil on
// any failure, or when no feed is configured.
func (f *feedClient) FetchPending(ctx context.Context) *feedPayload {
	if f.config.URL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		f.config.URL,
		nil,
	)
	if err != nil {
		return nil
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.logger.WarnContext(ctx, "feed unavailable", tint.Err(err))
		return nil
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		f.logger.WarnContext(ctx, "feed unavailable", "status", resp.Status)
		return nil
	}
	var payload feedPayload
	if err = json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		f.logger.WarnContext(ctx, "error decoding feed", tint.Err(err))
		return nil
	}
	f.logger.InfoContext(ctx, "fetched feed items", "count", len(payload.Items))
	return &payload
}

// MarkHandled POSTs a mark for the given feed item. Fire-and-forget.
func (f *feedClient) MarkHandled(
	ctx context.Context,
	rowID string,
	status string,
	note string,
) {
	if f.config.MarkURL == "" {
		return
	}
	body, err := json.Marshal(map[string]any{
		"id":     rowID,
		"status": status,
		"note":   note,
	})
	if err != nil {
		f.logger.ErrorContext(ctx, "error marshaling feed mark", tint.Err(err))
		return
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		f.config.MarkURL,
		bytes.NewReader(body),
	)
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.logger.WarnContext(ctx, "error marking feed item", tint.Err(err))
		return
	}
	_ = resp.Body.Close()
}
