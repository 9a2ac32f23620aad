package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "chatmux/internal/errors"
)

func newTestRestClient(baseURL string) *RestClient {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return &RestClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		limiter:    NewFixedWindowLimiter(100, time.Minute),
		pacing:     NoPacing{},
		tokenFn: func(context.Context) (string, error) {
			return "test-token-abcdefghijklmnop", nil
		},
		logger: logger.WithField("platform", "test"),
	}
}

func TestRestClientSendMessageSuccess(t *testing.T) {
	var gotAuth string
	var gotBody sendMessageRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(wireMessage{
			ID:        "m-echo",
			ChatID:    "c1",
			Content:   gotBody.Content,
			Timestamp: time.Now().UTC(),
		})
	}))
	defer server.Close()

	client := newTestRestClient(server.URL)
	msg, err := client.SendMessage(context.Background(), "c1", "hello there", nil)

	require.NoError(t, err)
	assert.Equal(t, "m-echo", msg.ID)
	assert.Equal(t, "hello there", msg.Content)
	assert.Equal(t, "test-token-abcdefghijklmnop", gotAuth)
	assert.NotEmpty(t, gotBody.Nonce)
}

func TestRestClientRetriesServerRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(apiErrorBody{Code: "rate_limited", RetryAfter: 0.05})
			return
		}
		_ = json.NewEncoder(w).Encode(wireMessage{ID: "m1", ChatID: "c1", Content: "ok"})
	}))
	defer server.Close()

	client := newTestRestClient(server.URL)
	start := time.Now()
	msg, err := client.SendMessage(context.Background(), "c1", "ok", nil)

	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRestClientSurfacesChallenge(t *testing.T) {
	challenge := json.RawMessage(`{"kind":"captcha","sitekey":"abc123"}`)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(apiErrorBody{Code: "challenge_required", Challenge: challenge})
	}))
	defer server.Close()

	client := newTestRestClient(server.URL)
	_, err := client.SendMessage(context.Background(), "c1", "hi", nil)

	require.Error(t, err)
	ce, ok := apperrors.AsChallenge(err)
	require.True(t, ok, "expected a challenge error, got %v", err)
	assert.JSONEq(t, string(challenge), string(ce.ChallengeData))
}

func TestRestClientChallengeProofRoundTrip(t *testing.T) {
	var gotBody sendMessageRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(wireMessage{ID: "m2", ChatID: "c1", Content: "done"})
	}))
	defer server.Close()

	client := newTestRestClient(server.URL)
	msg, err := client.SendMessageWithChallengeProof(
		context.Background(), "c1", "done", "proof-xyz", []byte(`{"kind":"captcha"}`))

	require.NoError(t, err)
	assert.Equal(t, "m2", msg.ID)
	assert.Equal(t, "proof-xyz", gotBody.ChallengeProof)
	assert.JSONEq(t, `{"kind":"captcha"}`, string(gotBody.ChallengeData))
}

func TestRestClientClassifiesAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestRestClient(server.URL)
	_, err := client.SendMessage(context.Background(), "c1", "hi", nil)

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAuthInvalid))
}

func TestRestClientUploadAttachment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()
		_ = json.NewEncoder(w).Encode(wireAttachment{
			ID:       "a1",
			Filename: header.Filename,
			SizeB:    header.Size,
		})
	}))
	defer server.Close()

	client := newTestRestClient(server.URL)
	att, err := client.UploadAttachment(context.Background(), "c1", "notes.txt", strings.NewReader("file contents"))

	require.NoError(t, err)
	assert.Equal(t, "a1", att.ID)
	assert.Equal(t, "notes.txt", att.Filename)
	assert.Equal(t, int64(len("file contents")), att.SizeB)
}
