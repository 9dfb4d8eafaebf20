package keybot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/lmittmann/tint"
)

const claimSelectColumns = "id,claim_id,user_id,discord_id,raw_token,created_at,claimed_at,processed"

// claimFallbackSelectColumns omits processed so the unfiltered query still
// works against a claims table that has no processed column, which is the
// usual reason the filtered query gets rejected.
const claimFallbackSelectColumns = "id,claim_id,user_id,discord_id,raw_token,created_at,claimed_at"

// backendClient talks to the key-management backend's REST interface
// (PostgREST-style claims/keys tables, plus the auth admin endpoint).
// Every method is best-effort: transport and parse failures are logged and
// converted to empty results, never returned.
type backendClient struct {
	config     *BackendConfig
	httpClient *http.Client
	logger     *slog.Logger
}

func newBackendClient(
	config *BackendConfig,
	httpClient *http.Client,
	handler slog.Handler,
) *backendClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &backendClient{
		config:     config,
		httpClient: httpClient,
		logger: slog.New(handler).With(
			loggerNameKey, "backend",
		),
	}
}

func (b *backendClient) baseURL() string {
	return strings.TrimRight(b.config.URL, "/")
}

// setHeaders adds the service credential and JSON headers the backend
// expects on every request.
func (b *backendClient) setHeaders(req *http.Request) {
	req.Header.Set("apikey", b.config.ServiceKey)
	req.Header.Set("Authorization", "Bearer "+b.config.ServiceKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
}

// FetchPendingClaims queries the claims table for rows awaiting delivery,
// newest first, capped at limit. The filtered query (processed false or
// null) is tried first; if the backend rejects it (e.g. missing column),
// the unfiltered query is used. Returns nil on total failure - the caller
// proceeds with zero rows.
func (b *backendClient) FetchPendingClaims(
	ctx context.Context,
	limit int,
) []ClaimRecord {
	if !b.config.Enabled() {
		return nil
	}
	base := b.baseURL()
	urls := []string{
		fmt.Sprintf(
			"%s/rest/v1/%s?select=%s&or=(processed.is.false,processed.is.null)&order=created_at.desc&limit=%d",
			base, b.config.ClaimsTable, claimSelectColumns, limit,
		),
		fmt.Sprintf(
			"%s/rest/v1/%s?select=%s&order=created_at.desc&limit=%d",
			base, b.config.ClaimsTable, claimFallbackSelectColumns, limit,
		),
	}
	for _, u := range urls {
		rows, err := b.fetchClaims(ctx, u)
		if err != nil {
			b.logger.WarnContext(
				ctx,
				"claims query failed",
				tint.Err(err),
				"filtered", strings.Contains(u, "processed"),
			)
			continue
		}
		b.logger.InfoContext(
			ctx,
			"fetched claims",
			"count", len(rows),
			"filtered", strings.Contains(u, "processed"),
		)
		return rows
	}
	return nil
}

func (b *backendClient) fetchClaims(ctx context.Context, u string) (
	[]ClaimRecord,
	error,
) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	b.setHeaders(req)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	var rows []ClaimRecord
	if err = json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkClaimHandled flags the claim row as processed, with a status/note
// pair for operational visibility. Best-effort: failures are logged and
// swallowed, and no retry is attempted.
func (b *backendClient) MarkClaimHandled(
	ctx context.Context,
	rowID string,
	status string,
	note string,
) {
	if !b.config.Enabled() {
		return
	}
	u := fmt.Sprintf(
		"%s/rest/v1/%s?or=(id.eq.%s,claim_id.eq.%s)",
		b.baseURL(),
		b.config.ClaimsTable,
		url.QueryEscape(rowID),
		url.QueryEscape(rowID),
	)
	body, err := json.Marshal(map[string]any{
		"processed": true,
		"status":    status,
		"note":      note,
	})
	if err != nil {
		b.logger.ErrorContext(ctx, "error marshaling mark body", tint.Err(err))
		return
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPatch,
		u,
		bytes.NewReader(body),
	)
	if err != nil {
		b.logger.ErrorContext(ctx, "error creating mark request", tint.Err(err))
		return
	}
	b.setHeaders(req)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.WarnContext(ctx, "error marking claim handled", tint.Err(err))
		return
	}
	_ = resp.Body.Close()
	b.logger.DebugContext(
		ctx,
		"marked claim handled",
		"row_id", rowID,
		"status", status,
		"http_status", resp.StatusCode,
	)
}

// FetchAuthUser retrieves the auth admin user object for the given backend
// user ID. Returns nil on any failure.
func (b *backendClient) FetchAuthUser(
	ctx context.Context,
	userID string,
) *AuthUser {
	if !b.config.Enabled() {
		return nil
	}
	u := fmt.Sprintf(
		"%s/auth/v1/admin/users/%s",
		b.baseURL(),
		url.PathEscape(userID),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil
	}
	b.setHeaders(req)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.WarnContext(ctx, "auth user lookup failed", tint.Err(err))
		return nil
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var user AuthUser
	if err = json.NewDecoder(resp.Body).Decode(&user); err != nil {
		b.logger.WarnContext(ctx, "error decoding auth user", tint.Err(err))
		return nil
	}
	return &user
}

// KeyRow is an issued key row from the keys table, used when validating
// activation keys directly against the backend.
type KeyRow struct {
	KeyID     string `json:"key_id"`
	RawToken  string `json:"raw_token"`
	Token     string `json:"token"`
	Key       string `json:"key"`
	DiscordID string `json:"discord_id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
	ExpiresAt string `json:"expires_at"`
}

// FetchLinkedKey looks up an issued key matching the given raw key and
// discord ID. Returns nil with no error when no row matches.
func (b *backendClient) FetchLinkedKey(
	ctx context.Context,
	rawKey string,
	discordID string,
) (*KeyRow, error) {
	u := fmt.Sprintf(
		"%s/rest/v1/%s?select=key_id,raw_token,token,key,discord_id,user_id,status,expires_at"+
			"&or=(raw_token.eq.%s,token.eq.%s,key.eq.%s)&discord_id=eq.%s&limit=1",
		b.baseURL(),
		b.config.KeysTable,
		url.QueryEscape(rawKey),
		url.QueryEscape(rawKey),
		url.QueryEscape(rawKey),
		url.QueryEscape(discordID),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	b.setHeaders(req)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http_%d", resp.StatusCode)
	}
	var rows []KeyRow
	if err = json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
