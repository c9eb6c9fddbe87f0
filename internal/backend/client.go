package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"partforge/pkg/events"
)

// Client talks to the native generation service over a websocket. Each
// call opens one stream: a single request frame out, a sequence of
// event/delta frames in, closed by a result frame.
type Client struct {
	url         string
	dialer      *websocket.Dialer
	limiter     *rate.Limiter
	maxRedials  int
	logger      *slog.Logger
}

type Option func(*Client)

func WithRateLimit(requestsPerMinute, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst)
	}
}

func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.dialer = &websocket.Dialer{HandshakeTimeout: timeout}
	}
}

func WithRedials(n int) Option {
	return func(c *Client) {
		c.maxRedials = n
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		dialer:     &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(1), 1),
		maxRedials: 3,
		logger:     slog.Default().With("component", "backend_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// requestFrame is the single frame sent to open a stream.
type requestFrame struct {
	Op      string      `json:"op"`
	Payload interface{} `json:"payload"`
}

// serverFrame is one frame received from the backend.
type serverFrame struct {
	Type      string            `json:"type"` // "event", "delta", "usage", "result"
	Event     json.RawMessage   `json:"event,omitempty"`
	Delta     string            `json:"delta,omitempty"`
	Done      bool              `json:"done,omitempty"`
	Usage     *events.TokenUsage `json:"usage,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`
}

// stream opens a connection, sends the request and pumps frames until
// the result frame arrives. Dial failures are retried with linear
// backoff; failures after the stream is established are not, because
// the backend treats every stream as one-shot.
func (c *Client) stream(ctx context.Context, op string, payload interface{}, onEvent EventFunc, onDelta DeltaFunc, onUsage UsageFunc) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	start := time.Now()
	conn, err := c.dial(ctx, op)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.WriteJSON(requestFrame{Op: op, Payload: payload}); err != nil {
		return nil, &StreamError{Kind: KindTransport, Message: "writing request frame", Err: err}
	}

	eventCount := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var frame serverFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return nil, &StreamError{Kind: KindTransport, Message: "reading stream frame", Err: err}
		}

		switch frame.Type {
		case "event":
			eventCount++
			ev, err := events.Decode(frame.Event)
			if err != nil {
				c.logger.Warn("dropping undecodable event",
					"op", op,
					"error", err)
				continue
			}
			if onEvent != nil {
				onEvent(ev)
			}
		case "delta":
			if onDelta != nil {
				onDelta(frame.Delta, frame.Done)
			}
		case "usage":
			if onUsage != nil && frame.Usage != nil {
				onUsage(*frame.Usage)
			}
		case "result":
			if frame.Error != "" {
				return nil, &StreamError{
					Kind:    kindFromWire(frame.ErrorKind, frame.Error),
					Message: frame.Error,
				}
			}
			c.logger.Debug("stream completed",
				"op", op,
				"events", eventCount,
				"duration_ms", time.Since(start).Milliseconds())
			return frame.Result, nil
		default:
			c.logger.Warn("unknown frame type", "op", op, "type", frame.Type)
		}
	}
}

func (c *Client) dial(ctx context.Context, op string) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRedials; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * time.Second
			c.logger.Debug("redial backoff",
				"op", op,
				"attempt", attempt,
				"backoff_seconds", backoff.Seconds())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.logger.Warn("backend dial failed",
			"op", op,
			"attempt", attempt,
			"error", err)
	}
	return nil, &StreamError{Kind: KindTransport, Message: "dialing backend", Err: lastErr}
}

func decodeResult[T any](raw json.RawMessage) (*T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	return &out, nil
}

func decodeStringResult(raw json.RawMessage) (string, error) {
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decoding result: %w", err)
	}
	return out, nil
}

func (c *Client) GenerateParallel(ctx context.Context, prompt string, history []ChatMessage, existingCode string, onEvent EventFunc) (string, error) {
	raw, err := c.stream(ctx, "generate_parallel", map[string]interface{}{
		"message":       prompt,
		"history":       history,
		"existing_code": existingCode,
	}, onEvent, nil, nil)
	if err != nil {
		return "", err
	}
	return decodeStringResult(raw)
}

func (c *Client) GenerateDesignPlan(ctx context.Context, prompt string, history []ChatMessage, onEvent EventFunc) (*events.DesignPlanResult, error) {
	raw, err := c.stream(ctx, "generate_design_plan", map[string]interface{}{
		"message": prompt,
		"history": history,
	}, onEvent, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[events.DesignPlanResult](raw)
}

func (c *Client) GenerateFromPlan(ctx context.Context, planText, userRequest string, history []ChatMessage, existingCode string, onEvent EventFunc) (string, error) {
	raw, err := c.stream(ctx, "generate_from_plan", map[string]interface{}{
		"plan_text":     planText,
		"user_request":  userRequest,
		"history":       history,
		"existing_code": existingCode,
	}, onEvent, nil, nil)
	if err != nil {
		return "", err
	}
	return decodeStringResult(raw)
}

func (c *Client) ExecuteCode(ctx context.Context, code string) (*ExecutionResult, error) {
	raw, err := c.stream(ctx, "execute_code", map[string]interface{}{
		"code": code,
	}, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[ExecutionResult](raw)
}

func (c *Client) AutoRetry(ctx context.Context, failedCode, errorMessage string, history []ChatMessage, attempt int, onDelta DeltaFunc) (*AutoRetryResult, error) {
	raw, err := c.stream(ctx, "auto_retry", map[string]interface{}{
		"failed_code":   failedCode,
		"error_message": errorMessage,
		"history":       history,
		"attempt":       attempt,
	}, nil, onDelta, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[AutoRetryResult](raw)
}

func (c *Client) SendMessageStreaming(ctx context.Context, text string, history []ChatMessage, onDelta DeltaFunc, onUsage UsageFunc) (string, error) {
	raw, err := c.stream(ctx, "send_message", map[string]interface{}{
		"message": text,
		"history": history,
	}, nil, onDelta, onUsage)
	if err != nil {
		return "", err
	}
	return decodeStringResult(raw)
}

func (c *Client) RetrySkippedSteps(ctx context.Context, code string, skipped []events.SkippedStep, planText, userRequest string, onEvent EventFunc) (string, error) {
	raw, err := c.stream(ctx, "retry_skipped_steps", map[string]interface{}{
		"current_code":     code,
		"skipped_steps":    skipped,
		"design_plan_text": planText,
		"user_request":     userRequest,
	}, onEvent, nil, nil)
	if err != nil {
		return "", err
	}
	return decodeStringResult(raw)
}

func (c *Client) RetryPart(ctx context.Context, index int, part events.PartSpec, planText, userRequest string, onEvent EventFunc) error {
	_, err := c.stream(ctx, "retry_part", map[string]interface{}{
		"part_index":       index,
		"part_spec":        part,
		"design_plan_text": planText,
		"user_request":     userRequest,
	}, onEvent, nil, nil)
	return err
}

var _ Service = (*Client)(nil)
