// Package agora provides an Agora Conversational AI backed implementation of
// convai.Launcher using the platform's v2 REST API.
//
// The agent is configured so that text-to-speech skips everything inside the
// 【 】 marker pair (skip pattern 2). Generated documents therefore reach the
// transcript without ever being read aloud.
package agora

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/vibecanvas/internal/observe"
	"github.com/MrWong99/vibecanvas/internal/resilience"
	"github.com/MrWong99/vibecanvas/pkg/provider/convai"
)

const (
	providerName   = "agora"
	defaultTimeout = 15 * time.Second

	// skipChineseBrackets tells the TTS stage to drop text inside 【 】.
	skipChineseBrackets = 2

	maxErrorBody = 4 << 10
)

// Config carries the platform credentials and the agent profile.
type Config struct {
	BaseURL        string
	AppID          string
	CustomerID     string
	CustomerSecret string
	BotUID         string
	BotToken       string

	IdleTimeout     time.Duration
	SystemPrompt    string
	GreetingMessage string
	FailureMessage  string

	LLMURL        string
	LLMAPIKey     string
	LLMModel      string
	LLMMaxHistory int

	TTSVendor string
	TTSAPIKey string
	TTSRegion string
	TTSVoice  string

	ASRVendor   string
	ASRLanguage string
}

// APIError is returned when the platform answers with a non-2xx status.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agora: %s: status %d: %s", e.Op, e.Status, e.Body)
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. The default has no timeout of its
// own; every request is bounded by [WithTimeout].
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout bounds every request. Default: 15s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBreaker replaces the circuit breaker guarding the platform.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) {
		if cb != nil {
			c.breaker = cb
		}
	}
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Client implements convai.Launcher against the Agora REST API.
type Client struct {
	cfg        Config
	base       string
	httpClient *http.Client
	timeout    time.Duration
	breaker    *resilience.CircuitBreaker
	metrics    *observe.Metrics
	now        func() time.Time
}

var _ convai.Launcher = (*Client)(nil)

// New creates a Client. AppID, CustomerID, CustomerSecret and BotUID are
// required; a missing one yields [convai.ErrMissingCredentials].
func New(cfg Config, opts ...Option) (*Client, error) {
	var missing []string
	for _, f := range []struct{ name, v string }{
		{"app id", cfg.AppID},
		{"customer id", cfg.CustomerID},
		{"customer secret", cfg.CustomerSecret},
		{"bot uid", cfg.BotUID},
	} {
		if f.v == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", convai.ErrMissingCredentials, strings.Join(missing, ", "))
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("agora: invalid base url %q", cfg.BaseURL)
	}

	c := &Client{
		cfg:        cfg,
		base:       strings.TrimRight(cfg.BaseURL, "/") + "/projects/" + url.PathEscape(cfg.AppID),
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:      providerName,
			IsFailure: isPlatformFailure,
		})
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// isPlatformFailure counts transport errors and server-side failures against
// the breaker. Client errors other than throttling are caller mistakes.
func isPlatformFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests
	}
	return resilience.DefaultIsFailure(err)
}

// ---- wire types ----

type joinRequest struct {
	Name       string         `json:"name"`
	Properties joinProperties `json:"properties"`
}

type joinProperties struct {
	Channel          string           `json:"channel"`
	Token            string           `json:"token"`
	AgentRTCUID      string           `json:"agent_rtc_uid"`
	RemoteRTCUIDs    []string         `json:"remote_rtc_uids"`
	IdleTimeout      int              `json:"idle_timeout"`
	AdvancedFeatures advancedFeatures `json:"advanced_features"`
	Parameters       parameters       `json:"parameters"`
	ASR              asr              `json:"asr"`
	TTS              tts              `json:"tts"`
	LLM              llm              `json:"llm"`
	VAD              vad              `json:"vad"`
}

type advancedFeatures struct {
	EnableAIVAD bool `json:"enable_aivad"`
	EnableRTM   bool `json:"enable_rtm"`
}

type parameters struct {
	DataChannel string `json:"data_channel"`
}

type asr struct {
	Language string         `json:"language"`
	Vendor   string         `json:"vendor"`
	Params   map[string]any `json:"params"`
}

type tts struct {
	Vendor       string    `json:"vendor"`
	Params       ttsParams `json:"params"`
	SkipPatterns []int     `json:"skip_patterns"`
}

type ttsParams struct {
	Key       string `json:"key"`
	Region    string `json:"region,omitempty"`
	VoiceName string `json:"voice_name,omitempty"`
}

type llm struct {
	URL             string          `json:"url"`
	APIKey          string          `json:"api_key"`
	SystemMessages  []systemMessage `json:"system_messages"`
	MaxHistory      int             `json:"max_history"`
	GreetingMessage string          `json:"greeting_message,omitempty"`
	FailureMessage  string          `json:"failure_message,omitempty"`
	Params          map[string]any  `json:"params"`
}

type systemMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type vad struct {
	Mode                string `json:"mode"`
	InterruptDurationMS int    `json:"interrupt_duration_ms"`
	SilenceDurationMS   int    `json:"silence_duration_ms"`
}

type joinResponse struct {
	AgentID  string `json:"agent_id"`
	CreateTS int64  `json:"create_ts"`
	Status   string `json:"status"`
}

// buildJoin assembles the join payload for channel.
func (c *Client) buildJoin(channel string) joinRequest {
	params := map[string]any{}
	if c.cfg.LLMModel != "" {
		params["model"] = c.cfg.LLMModel
	}
	return joinRequest{
		Name: fmt.Sprintf("agent-%s-%d", channel, c.now().UnixMilli()),
		Properties: joinProperties{
			Channel:       channel,
			Token:         c.cfg.BotToken,
			AgentRTCUID:   c.cfg.BotUID,
			RemoteRTCUIDs: []string{"*"},
			IdleTimeout:   int(c.cfg.IdleTimeout / time.Second),
			AdvancedFeatures: advancedFeatures{
				EnableAIVAD: true,
				EnableRTM:   true,
			},
			Parameters: parameters{DataChannel: "rtm"},
			ASR: asr{
				Language: c.cfg.ASRLanguage,
				Vendor:   c.cfg.ASRVendor,
				Params:   map[string]any{},
			},
			TTS: tts{
				Vendor: c.cfg.TTSVendor,
				Params: ttsParams{
					Key:       c.cfg.TTSAPIKey,
					Region:    c.cfg.TTSRegion,
					VoiceName: c.cfg.TTSVoice,
				},
				SkipPatterns: []int{skipChineseBrackets},
			},
			LLM: llm{
				URL:             c.cfg.LLMURL,
				APIKey:          c.cfg.LLMAPIKey,
				SystemMessages:  []systemMessage{{Role: "system", Content: c.cfg.SystemPrompt}},
				MaxHistory:      c.cfg.LLMMaxHistory,
				GreetingMessage: c.cfg.GreetingMessage,
				FailureMessage:  c.cfg.FailureMessage,
				Params:          params,
			},
			VAD: vad{
				Mode:                "interrupt",
				InterruptDurationMS: 160,
				SilenceDurationMS:   640,
			},
		},
	}
}

// Start implements convai.Launcher.
func (c *Client) Start(ctx context.Context, channel string) (*convai.Agent, error) {
	if channel == "" {
		return nil, errors.New("agora: channel must not be empty")
	}
	body := c.buildJoin(channel)

	var resp joinResponse
	if err := c.call(ctx, "join", c.base+"/join", body, &resp); err != nil {
		return nil, err
	}
	if resp.AgentID == "" {
		return nil, errors.New("agora: join: response has no agent_id")
	}

	created := c.now()
	if resp.CreateTS > 0 {
		created = time.Unix(resp.CreateTS, 0)
	}
	return &convai.Agent{
		ID:        resp.AgentID,
		Name:      body.Name,
		Channel:   channel,
		Status:    resp.Status,
		CreatedAt: created,
	}, nil
}

// Leave implements convai.Launcher.
func (c *Client) Leave(ctx context.Context, agentID string) error {
	if agentID == "" {
		return errors.New("agora: agent id must not be empty")
	}
	return c.call(ctx, "leave", c.base+"/agents/"+url.PathEscape(agentID)+"/leave", nil, nil)
}

// call performs one JSON POST through the circuit breaker and records its
// outcome. A nil in skips the body; a nil out discards the response.
func (c *Client) call(ctx context.Context, op, endpoint string, in, out any) error {
	ctx, span := observe.StartSpan(ctx, "agora."+op)
	defer span.End()

	start := time.Now()
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.do(ctx, op, endpoint, in, out)
	})

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
	}
	c.metrics.RecordProviderRequest(ctx, providerName, op, status, time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return fmt.Errorf("agora: %s: %w", op, err)
}

func (c *Client) do(ctx context.Context, op, endpoint string, in, out any) error {
	var reader io.Reader = http.NoBody
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.CustomerID, c.cfg.CustomerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
