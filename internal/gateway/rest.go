package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatmux/internal/constants"
	apperrors "chatmux/internal/errors"
	"chatmux/internal/models"
)

// RestClient issues outbound writes against the platform REST API. Every
// send passes the fixed-window limiter, then the pacing policy, then goes
// on the wire; the limiter and pacing never apply to anything else, so the
// realtime read loop is unaffected by a throttled send.
type RestClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *FixedWindowLimiter
	pacing     PacingPolicy
	tokenFn    func(ctx context.Context) (string, error)
	logger     *logrus.Entry
}

func NewRestClient(cfg models.GatewayConfig, tokenFn func(ctx context.Context) (string, error), logger *logrus.Entry) *RestClient {
	rate := cfg.SendRatePerMinute
	if rate <= 0 {
		rate = constants.DefaultSendRatePerMinute
	}
	var pacing PacingPolicy
	if cfg.PacingDisabled {
		pacing = NoPacing{}
	} else {
		minDelay := time.Duration(cfg.PacingMinDelayMs) * time.Millisecond
		maxDelay := time.Duration(cfg.PacingMaxDelayMs) * time.Millisecond
		if minDelay <= 0 {
			minDelay = constants.DefaultPacingMinDelayMs * time.Millisecond
		}
		if maxDelay <= 0 {
			maxDelay = constants.DefaultPacingMaxDelayMs * time.Millisecond
		}
		pacing = NewRandomizedPacing(minDelay, maxDelay)
	}
	return &RestClient{
		baseURL:    cfg.APIBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiter:    NewFixedWindowLimiter(rate, time.Minute),
		pacing:     pacing,
		tokenFn:    tokenFn,
		logger:     logger,
	}
}

type sendMessageRequest struct {
	Content        string           `json:"content"`
	Nonce          string           `json:"nonce"`
	ReplyToID      string           `json:"reply_to_id,omitempty"`
	Attachments    []wireAttachment `json:"attachments,omitempty"`
	ChallengeProof string           `json:"challenge_proof,omitempty"`
	ChallengeData  json.RawMessage  `json:"challenge_data,omitempty"`
}

type apiErrorBody struct {
	Code       string          `json:"code"`
	Message    string          `json:"message"`
	RetryAfter float64         `json:"retry_after"`
	Challenge  json.RawMessage `json:"challenge"`
}

// SendMessage posts a message and returns the platform's echoed copy.
func (c *RestClient) SendMessage(ctx context.Context, chatID, content string, attachments []models.Attachment) (*wireMessage, error) {
	return c.send(ctx, chatID, sendMessageRequest{
		Content:     content,
		Nonce:       uuid.New().String(),
		Attachments: toWireAttachments(attachments),
	})
}

// SendMessageWithChallengeProof retries a send that previously failed with a
// challenge, carrying the out-of-band proof and the original challenge data.
func (c *RestClient) SendMessageWithChallengeProof(ctx context.Context, chatID, content, proof string, challengeData []byte) (*wireMessage, error) {
	return c.send(ctx, chatID, sendMessageRequest{
		Content:        content,
		Nonce:          uuid.New().String(),
		ChallengeProof: proof,
		ChallengeData:  challengeData,
	})
}

func (c *RestClient) send(ctx context.Context, chatID string, req sendMessageRequest) (*wireMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.pacing.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode send request: %w", err)
	}

	for {
		msg, retryAfter, err := c.doSend(ctx, chatID, body)
		if err == nil {
			return msg, nil
		}
		if retryAfter <= 0 {
			return nil, err
		}
		// Server-side rate limit: honor the indicated delay, never drop.
		c.logger.WithFields(logrus.Fields{
			"chat_id":     chatID,
			"retry_after": retryAfter,
		}).Warn("Send rate limited by platform, waiting")
		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *RestClient) doSend(ctx context.Context, chatID string, body []byte) (*wireMessage, time.Duration, error) {
	url := fmt.Sprintf("%s/channels/%s/messages", c.baseURL, chatID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, 0, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, apperrors.NewConnectionError(err, "message send failed")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, apperrors.NewConnectionError(err, "failed to read send response")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var msg wireMessage
		if err := json.Unmarshal(respBody, &msg); err != nil {
			return nil, 0, apperrors.NewProtocolError("send response is not a message")
		}
		return &msg, 0, nil
	}

	var apiErr apiErrorBody
	_ = json.Unmarshal(respBody, &apiErr)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(apiErr.RetryAfter * float64(time.Second))
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return nil, retryAfter, apperrors.NewRateLimitError(retryAfter)
	case len(apiErr.Challenge) > 0:
		return nil, 0, apperrors.NewChallengeError(apiErr.Challenge)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, 0, apperrors.NewAuthError(fmt.Sprintf("platform rejected credential (HTTP %d)", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, 0, apperrors.NewConnectionError(nil, fmt.Sprintf("platform API error (HTTP %d)", resp.StatusCode))
	default:
		return nil, 0, apperrors.NewProtocolError(fmt.Sprintf("send rejected: %s (HTTP %d)", apiErr.Message, resp.StatusCode))
	}
}

// UploadAttachment negotiates an attachment slot by streaming the file as
// multipart form data. The returned attachment carries the platform-assigned
// ID for use in a subsequent SendMessage.
func (c *RestClient) UploadAttachment(ctx context.Context, chatID, filename string, r io.Reader) (*models.Attachment, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("failed to buffer attachment: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	url := fmt.Sprintf("%s/channels/%s/attachments", c.baseURL, chatID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewConnectionError(err, "attachment upload failed")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.NewProtocolError(fmt.Sprintf("attachment upload rejected (HTTP %d)", resp.StatusCode))
	}

	var wa wireAttachment
	if err := json.NewDecoder(resp.Body).Decode(&wa); err != nil {
		return nil, apperrors.NewProtocolError("upload response is not an attachment")
	}
	return &models.Attachment{
		ID:       wa.ID,
		Filename: wa.Filename,
		MimeType: wa.MimeType,
		SizeB:    wa.SizeB,
		URL:      wa.URL,
	}, nil
}

func (c *RestClient) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.tokenFn(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", token)
	return nil
}

func toWireAttachments(attachments []models.Attachment) []wireAttachment {
	if len(attachments) == 0 {
		return nil
	}
	out := make([]wireAttachment, 0, len(attachments))
	for _, a := range attachments {
		out = append(out, wireAttachment{
			ID:       a.ID,
			Filename: a.Filename,
			MimeType: a.MimeType,
			SizeB:    a.SizeB,
			URL:      a.URL,
		})
	}
	return out
}
