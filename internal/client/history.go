package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sugawarayuuta/sonnet"

	"github.com/omochice/relay-chat/pkg/protocol"
)

// HeaderRelayID carries the caller's external id on HTTP requests.
const HeaderRelayID = "X-Relay-Id"

// FetchHistory requests messages after afterID from the HTTP API rooted at
// base (for example http://host:8080). A negative afterID asks for the
// server's default window. Fetching history clears the caller's resync flag.
func FetchHistory(ctx context.Context, hc *http.Client, base, externalID string, afterID int64) ([]protocol.Message, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	u = u.JoinPath("messages")
	if afterID >= 0 {
		q := u.Query()
		q.Set("after_id", strconv.FormatInt(afterID, 10))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(HeaderRelayID, externalID)

	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch history: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	var messages []protocol.Message
	if err := sonnet.Unmarshal(body, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return messages, nil
}
