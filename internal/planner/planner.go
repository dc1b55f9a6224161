// Package planner turns an accepted alert into remediation plans by
// querying an OpenAI-compatible chat-completions endpoint. One alert
// may yield plans for several hosts (e.g. victim and attacker).
package planner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/argosec/defender/internal/alert"
	"github.com/argosec/defender/internal/errkind"
	"github.com/argosec/defender/internal/metrics"
	"github.com/argosec/defender/internal/retry"
)

// Plan is one remediation instruction set for one host. Plans are
// immutable once created.
type Plan struct {
	Fingerprint    string    `json:"fingerprint"`
	ExecutorHostIP string    `json:"executor_host_ip"`
	PlanText       string    `json:"plan"`
	Model          string    `json:"model"`
	CreatedAt      time.Time `json:"created_at"`
}

const systemDirective = `You are the planning stage of an autonomous network defender.
Given one intrusion-detection alert, produce remediation instructions for the
affected hosts. Respond with ONLY a JSON array of objects of the form
[{"executor_host_ip": "<IPv4 of the host to act on>", "plan": "<instructions>"}].
Include one entry per host that needs action. No commentary.`

// Config tunes the generator.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Generator calls the configured LLM endpoint. Safe for concurrent
// use; the supervisor bounds in-flight calls with a semaphore.
type Generator struct {
	cfg    Config
	client *Client
	policy retry.Policy
}

// New builds a generator.
func New(cfg Config) *Generator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Timeout <= 0 || cfg.Timeout > 60*time.Second {
		cfg.Timeout = 60 * time.Second
	}
	return &Generator{
		cfg:    cfg,
		client: NewClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout),
		policy: retry.PlannerPolicy(),
	}
}

// GenerateFor produces remediation plans for one alert. Transient
// upstream failures are retried with exponential backoff (1s, 4s, 16s)
// before giving up; a response with no extractable plan array is a
// planner_malformed error and is never retried.
func (g *Generator) GenerateFor(ctx context.Context, a alert.Alert) ([]Plan, error) {
	fp := alert.Fingerprint(a)

	var content string
	var usage Usage
	err := retry.Do(ctx, g.policy, errkind.IsRetryable, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			log.Warn().Int("attempt", attempt).Str("alert", alert.Prefix8(fp)).Msg("retrying plan generation")
		}
		resp, err := g.client.Chat(ctx, ChatRequest{
			Model:       g.cfg.Model,
			System:      systemDirective,
			User:        a.Raw,
			Temperature: g.cfg.Temperature,
			MaxTokens:   g.cfg.MaxTokens,
		})
		if err != nil {
			return classifyChatError(err)
		}
		content = resp.Content
		usage = resp.Usage
		return nil
	})
	if err != nil {
		metrics.RecordPlannerFailure(string(errkind.KindOf(err)))
		return nil, err
	}

	entries, err := ExtractPlanArray(content)
	if err != nil {
		metrics.RecordPlannerFailure(string(errkind.KindPlannerMalformed))
		return nil, errkind.New(errkind.KindPlannerMalformed, "generate_plan", err)
	}

	now := time.Now()
	plans := make([]Plan, 0, len(entries))
	dropped := 0
	for _, e := range entries {
		if !validIPv4(e.ExecutorHostIP) || e.Plan == "" {
			dropped++
			continue
		}
		plans = append(plans, Plan{
			Fingerprint:    fp,
			ExecutorHostIP: e.ExecutorHostIP,
			PlanText:       e.Plan,
			Model:          g.cfg.Model,
			CreatedAt:      now,
		})
	}
	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Str("alert", alert.Prefix8(fp)).
			Msg("dropped invalid plan entries from LLM response")
	}

	log.Info().
		Str("alert", alert.Prefix8(fp)).
		Int("plans", len(plans)).
		Int("tokens_in", usage.PromptTokens).
		Int("tokens_out", usage.CompletionTokens).
		Msg("plan generation complete")

	for range plans {
		metrics.PlansGeneratedTotal.Inc()
	}
	return plans, nil
}

// classifyChatError maps transport and HTTP failures onto the planner
// error taxonomy. Timeouts, connection failures, rate limits and HTTP
// non-2xx are all transient for the planner: each gets the full
// backoff schedule before the alert is given up on.
func classifyChatError(err error) error {
	e := errkind.New(errkind.KindPlannerTransient, "llm_chat", err)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		e.StatusCode = httpErr.StatusCode
	}
	return e
}

func validIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

// Describe returns a short identifier for journaling, e.g.
// "gpt-4o-mini@http://llm:8080/v1".
func (g *Generator) Describe() string {
	return fmt.Sprintf("%s@%s", g.cfg.Model, g.cfg.BaseURL)
}
