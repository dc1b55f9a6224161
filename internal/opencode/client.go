// Package opencode talks to the coder agent running on a managed host.
// Each execution attempt owns one client session: create, submit the
// plan, stream events until the agent goes idle, abort on timeout.
package opencode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/argosec/defender/internal/errkind"
)

// Client communicates with one coder agent over HTTP/JSON.
type Client struct {
	baseURL    string
	host       string
	httpClient *http.Client

	// OnEvent, when set, is invoked for every decoded stream event
	// together with its raw line. The executor uses it to journal EXEC
	// entries and mirror the stream to disk.
	OnEvent func(ev Event, raw []byte)

	// statusProbeInterval controls the idle-probe fallback cadence.
	statusProbeInterval time.Duration
}

// NewClient creates a client for the agent at host:port.
func NewClient(host string, port int) *Client {
	return &Client{
		baseURL:             fmt.Sprintf("http://%s:%d", host, port),
		host:                host,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
		statusProbeInterval: 10 * time.Second,
	}
}

// Event is one line of the agent's event stream. Only type is
// guaranteed; the remaining fields are populated per event type.
type Event struct {
	Type   string     `json:"type"`
	Role   string     `json:"role,omitempty"`
	Finish string     `json:"finish,omitempty"`
	Text   string     `json:"text,omitempty"`
	Tool   string     `json:"tool,omitempty"`
	State  *ToolState `json:"state,omitempty"`
	Tokens *Tokens    `json:"tokens,omitempty"`
	Cost   float64    `json:"cost,omitempty"`
}

// ToolState reports the progress of one tool invocation.
type ToolState struct {
	Status string `json:"status"`
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
}

// Tokens is the agent's token accounting for a step.
type Tokens struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// ToolInvocation is a digest record of one tool call, with input and
// output truncated for storage.
type ToolInvocation struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
}

// Result is the structured digest of a completed (or aborted) session.
type Result struct {
	SessionID   string           `json:"session_id"`
	Finish      string           `json:"finish,omitempty"`
	Tools       []ToolInvocation `json:"tool_invocations,omitempty"`
	TokensIn    int              `json:"tokens_in"`
	TokensOut   int              `json:"tokens_out"`
	Cost        float64          `json:"cost"`
	EventsSeen  int              `json:"events_seen"`
	FinalOutput string           `json:"final_output,omitempty"`
}

const digestTruncateLen = 500

// CreateSession opens a new agent session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	// The agent requires a JSON body, even if empty.
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/session", strings.NewReader("{}"))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", c.transportError("create_session", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.statusError("create_session", resp.StatusCode)
	}

	var session struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", errkind.New(errkind.KindExecFailure, "create_session", err).WithHost(c.host)
	}
	if session.ID == "" {
		return "", errkind.New(errkind.KindExecFailure, "create_session",
			errors.New("agent returned empty session id")).WithHost(c.host)
	}
	return session.ID, nil
}

// Submit sends the plan text as the user message for the session.
func (c *Client) Submit(ctx context.Context, sessionID, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/session/"+sessionID+"/message", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError("submit_plan", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return c.statusError("submit_plan", resp.StatusCode)
	}
	return nil
}

// WaitForCompletion blocks until the agent reports the session done or
// the timeout fires. Completion is detected by (in order of priority)
// a terminal assistant message on the event stream, a status probe
// showing no busy session, or the deadline. The returned Result is the
// accumulated digest; on timeout it reflects what was seen so far and
// the error kind is exec_timeout.
func (c *Client) WaitForCompletion(ctx context.Context, sessionID string, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := &Result{SessionID: sessionID}

	events, errs, err := c.streamEvents(ctx, sessionID)
	if err != nil {
		return result, err
	}

	probe := time.NewTicker(c.statusProbeInterval)
	defer probe.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Stream ended without a terminal message: check the
				// error channel, otherwise treat as agent-side failure.
				select {
				case serr := <-errs:
					return result, c.waitError(ctx, serr)
				default:
					return result, errkind.New(errkind.KindExecFailure, "event_stream",
						errors.New("event stream closed before completion")).WithHost(c.host)
				}
			}
			result.ingest(ev)
			if terminal(ev) {
				result.Finish = ev.Finish
				return result, nil
			}

		case <-probe.C:
			// Some agents end the stream quietly; fall back to the
			// status endpoint once events have started flowing.
			if result.EventsSeen == 0 {
				continue
			}
			busy, err := c.sessionBusy(ctx, sessionID)
			if err != nil {
				log.Debug().Err(err).Str("host", c.host).Msg("status probe failed")
				continue
			}
			if !busy {
				return result, nil
			}

		case <-ctx.Done():
			return result, c.waitError(ctx, ctx.Err())
		}
	}
}

// Abort requests best-effort cancellation of the session.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/session/"+sessionID+"/abort", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError("abort_session", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return c.statusError("abort_session", resp.StatusCode)
	}
	return nil
}

// streamEvents subscribes to the session's line-delimited JSON event
// stream and decodes each line into an Event.
func (c *Client) streamEvents(ctx context.Context, sessionID string) (<-chan Event, <-chan error, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/session/"+sessionID+"/events", nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/x-ndjson")

	// A dedicated client without timeout: the stream stays open for
	// the whole attempt and is bounded by ctx instead.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, nil, c.transportError("event_stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, nil, c.statusError("event_stream", resp.StatusCode)
	}

	events := make(chan Event, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		// Event lines can be large (full tool output), increase buffer.
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			// Tolerate SSE-style framing from older agents.
			line = bytes.TrimPrefix(line, []byte("data:"))
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				log.Debug().Err(err).Str("host", c.host).Msg("skipping undecodable agent event")
				continue
			}
			if c.OnEvent != nil {
				c.OnEvent(ev, append([]byte(nil), line...))
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- err
		}
	}()

	return events, errs, nil
}

// sessionBusy asks the agent's status endpoint whether the session is
// still processing.
func (c *Client) sessionBusy(ctx context.Context, sessionID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/session/status", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("status probe returned %d", resp.StatusCode)
	}

	var statuses map[string]struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return false, err
	}
	st, ok := statuses[sessionID]
	return ok && st.Type == "busy", nil
}

// terminal reports whether the event ends the session: an assistant
// message with a terminal finish marker.
func terminal(ev Event) bool {
	return ev.Type == "message" && ev.Role == "assistant" && isTerminalFinish(ev.Finish)
}

func isTerminalFinish(finish string) bool {
	switch finish {
	case "stop", "end_turn", "error":
		return true
	default:
		return false
	}
}

// ingest folds one event into the digest.
func (r *Result) ingest(ev Event) {
	r.EventsSeen++

	if ev.Tokens != nil {
		r.TokensIn += ev.Tokens.Input
		r.TokensOut += ev.Tokens.Output
	}
	if ev.Cost > 0 {
		r.Cost += ev.Cost
	}

	switch ev.Type {
	case "tool":
		inv := ToolInvocation{Name: ev.Tool}
		if ev.State != nil {
			inv.Status = ev.State.Status
			inv.Input = truncate(ev.State.Input, digestTruncateLen)
			inv.Output = truncate(ev.State.Output, digestTruncateLen)
		}
		// Completed tool events update the matching started entry
		// rather than appending a duplicate.
		for i := len(r.Tools) - 1; i >= 0; i-- {
			if r.Tools[i].Name == inv.Name && r.Tools[i].Status != "completed" && r.Tools[i].Status != "error" {
				r.Tools[i] = inv
				return
			}
		}
		r.Tools = append(r.Tools, inv)
	case "message":
		if ev.Role == "assistant" && ev.Text != "" {
			r.FinalOutput = truncate(ev.Text, digestTruncateLen*4)
		}
	}
}

// ToolCount returns the number of distinct tool invocations recorded.
func (r *Result) ToolCount() int {
	return len(r.Tools)
}

func (c *Client) waitError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errkind.New(errkind.KindExecTimeout, "wait_for_completion",
			context.DeadlineExceeded).WithHost(c.host)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errkind.New(errkind.KindExecFailure, "wait_for_completion", err).WithHost(c.host)
}

func (c *Client) transportError(op string, err error) error {
	// The request never reached the agent (refused, DNS, TLS) unless
	// the deadline fired first.
	if errors.Is(err, context.DeadlineExceeded) {
		return errkind.New(errkind.KindExecTimeout, op, err).WithHost(c.host)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errkind.New(errkind.KindExecConnect, op, err).WithHost(c.host)
}

func (c *Client) statusError(op string, code int) error {
	return errkind.New(errkind.KindExecFailure, op,
		fmt.Errorf("agent returned status %d", code)).WithHost(c.host).WithStatusCode(code)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
