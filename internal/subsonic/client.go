package subsonic

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/italolelis/subsonic_offline/internal/logctx"
	"github.com/italolelis/subsonic_offline/internal/storage"
	"github.com/italolelis/subsonic_offline/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// APIVersion is the Subsonic REST protocol version sent with every request.
	APIVersion = "1.16.1"

	// Subsonic error codes that no retry can fix.
	codeWrongCredentials    = 40
	codeTokenAuthNotAllowed = 41
	codeNotAuthorized       = 50
)

type Client struct {
	ClientName string
	// DownloadOriginal fetches the original file through download.view instead
	// of a transcoded stream.
	DownloadOriginal bool

	httpClient *http.Client
	salt       func() string
}

func NewClient(clientName string, insecure ...bool) *Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = 30 * time.Second

	if len(insecure) > 0 && insecure[0] {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return &Client{
		ClientName: clientName,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(tr)},
		salt:       randomSalt,
	}
}

// Open starts fetching mediaID from server and returns the body together with
// its length, or 0 when the server does not announce one. Failures are
// reported as *transfer.NetworkError, except for bad server settings which
// are *transfer.ConfigurationError.
func (c *Client) Open(ctx context.Context, server storage.Server, mediaID, format string) (io.ReadCloser, int64, error) {
	endpoint := "stream"
	params := url.Values{"id": {mediaID}}

	if c.DownloadOriginal {
		endpoint = "download"
	} else if format != "" {
		params.Set("format", format)
	}

	logger := logctx.LoggerFromContext(ctx).With("endpoint", endpoint, "media_id", mediaID)

	resp, err := c.do(ctx, server, endpoint, params)
	if err != nil {
		logger.Error("failed to open media", "err", err)

		return nil, 0, err
	}

	// the server answers with an error envelope instead of media bytes
	if isEnvelope(resp.Header.Get("Content-Type")) {
		defer resp.Body.Close()

		err := decodeError(endpoint, resp.Body)
		logger.Error("server rejected media request", "err", err)

		return nil, 0, err
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	logger.Debug("media stream opened", "total_bytes", total)

	return &bodyReader{rc: resp.Body, operation: endpoint}, total, nil
}

// Ping verifies that server is reachable and accepts the credentials.
func (c *Client) Ping(ctx context.Context, server storage.Server) error {
	resp, err := c.do(ctx, server, "ping", url.Values{})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeError("ping", resp.Body)
}

func (c *Client) do(ctx context.Context, server storage.Server, endpoint string, params url.Values) (*http.Response, error) {
	base, err := url.Parse(strings.TrimRight(server.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &transfer.ConfigurationError{Reason: fmt.Sprintf("invalid server url %q", server.BaseURL), Err: err}
	}

	salt := c.salt()
	params.Set("u", server.Username)
	params.Set("t", Token(server.Password, salt))
	params.Set("s", salt)
	params.Set("v", APIVersion)
	params.Set("c", c.ClientName)
	params.Set("f", "json")

	reqURL := fmt.Sprintf("%s/rest/%s.view?%s", base.String(), endpoint, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transfer.NetworkError{Operation: endpoint, APIMessage: err.Error(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()

		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return nil, &transfer.NetworkError{
			Operation:  endpoint,
			StatusCode: resp.StatusCode,
			APIMessage: strings.TrimSpace(resp.Status + " " + string(b)),
		}
	}

	return resp, nil
}

// Token computes the Subsonic authentication token md5(password + salt).
func Token(password, salt string) string {
	sum := md5.Sum([]byte(password + salt)) //nolint:gosec

	return hex.EncodeToString(sum[:])
}

func randomSalt() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)

	return hex.EncodeToString(b)
}

type envelope struct {
	Response struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"subsonic-response"`
}

func isEnvelope(contentType string) bool {
	return strings.HasPrefix(contentType, "application/json") || strings.HasPrefix(contentType, "text/xml")
}

func decodeError(operation string, body io.Reader) error {
	var env envelope
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		return &transfer.NetworkError{Operation: operation, APIMessage: "unreadable server response", Err: err}
	}

	if env.Response.Status == "ok" {
		return nil
	}

	if env.Response.Error == nil {
		return &transfer.NetworkError{Operation: operation, APIMessage: "request failed without error details"}
	}

	switch env.Response.Error.Code {
	case codeWrongCredentials, codeTokenAuthNotAllowed, codeNotAuthorized:
		return &transfer.ConfigurationError{Reason: env.Response.Error.Message}
	}

	return &transfer.NetworkError{
		Operation:  operation,
		APIMessage: fmt.Sprintf("subsonic error %d: %s", env.Response.Error.Code, env.Response.Error.Message),
	}
}

// bodyReader reports read failures as network errors so they are retried.
type bodyReader struct {
	rc        io.ReadCloser
	operation string
}

func (r *bodyReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, &transfer.NetworkError{Operation: r.operation, APIMessage: err.Error(), Err: err}
	}

	return n, err
}

func (r *bodyReader) Close() error {
	return r.rc.Close()
}
