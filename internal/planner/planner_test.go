package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/argosec/defender/internal/alert"
	"github.com/argosec/defender/internal/errkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionsResponse(content string) string {
	body := map[string]any{
		"model": "test-model",
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
	}
	b, _ := json.Marshal(body)
	return string(b)
}

func testAlert() alert.Alert {
	raw := "Src IP 10.0.0.5. Detected horizontal port scan. Confidence: 0.9. threat level: high."
	a := alert.Alert{Raw: raw, Facets: alert.Parse(raw)}
	a.Facets.AttackClass = "port_scan"
	return a
}

func TestGenerateForSingleHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req["model"])

		fmt.Fprint(w, completionsResponse(`[{"executor_host_ip":"10.0.0.5","plan":"block the scanner"}]`))
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "test-model", Timeout: 5 * time.Second})
	plans, err := g.GenerateFor(context.Background(), testAlert())
	require.NoError(t, err)
	require.Len(t, plans, 1)

	assert.Equal(t, "10.0.0.5", plans[0].ExecutorHostIP)
	assert.Equal(t, "block the scanner", plans[0].PlanText)
	assert.Equal(t, "test-model", plans[0].Model)
	assert.Equal(t, alert.Fingerprint(testAlert()), plans[0].Fingerprint)
}

func TestGenerateForMultiHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completionsResponse("```json\n[{\"executor_host_ip\":\"10.0.0.5\",\"plan\":\"A\"},{\"executor_host_ip\":\"10.0.0.6\",\"plan\":\"B\"}]\n```"))
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL, Model: "test-model", Timeout: 5 * time.Second})
	plans, err := g.GenerateFor(context.Background(), testAlert())
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "10.0.0.5", plans[0].ExecutorHostIP)
	assert.Equal(t, "10.0.0.6", plans[1].ExecutorHostIP)
}

func TestGenerateForDropsInvalidEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completionsResponse(`[
			{"executor_host_ip":"10.0.0.5","plan":"good"},
			{"executor_host_ip":"not-an-ip","plan":"bad host"},
			{"executor_host_ip":"10.0.0.6","plan":""},
			{"executor_host_ip":"2001:db8::1","plan":"ipv6 rejected"}
		]`))
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL, Model: "m", Timeout: 5 * time.Second})
	plans, err := g.GenerateFor(context.Background(), testAlert())
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "good", plans[0].PlanText)
}

func TestGenerateForMalformedNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, completionsResponse("sorry I cannot help"))
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL, Model: "m", Timeout: 5 * time.Second})
	_, err := g.GenerateFor(context.Background(), testAlert())
	require.Error(t, err)
	assert.Equal(t, errkind.KindPlannerMalformed, errkind.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerateForRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream overloaded", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, completionsResponse(`[{"executor_host_ip":"10.0.0.5","plan":"recovered"}]`))
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL, Model: "m", Timeout: 5 * time.Second})
	g.policy.Delays = []time.Duration{time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	plans, err := g.GenerateFor(ctx, testAlert())
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "recovered", plans[0].PlanText)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerateForGivesUpAfterRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL, Model: "m", Timeout: 5 * time.Second})
	g.policy.Delays = []time.Duration{time.Millisecond}
	_, err := g.GenerateFor(context.Background(), testAlert())
	require.Error(t, err)
	assert.Equal(t, errkind.KindPlannerTransient, errkind.KindOf(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerateForRetriesUnparseableBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, "<html>gateway returned garbage</html>")
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL, Model: "m", Timeout: 5 * time.Second})
	g.policy.Delays = []time.Duration{time.Millisecond}
	_, err := g.GenerateFor(context.Background(), testAlert())
	require.Error(t, err)
	assert.Equal(t, errkind.KindPlannerTransient, errkind.KindOf(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestExtractPlanArray(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int
		wantErr bool
	}{
		{"plain array", `[{"executor_host_ip":"1.2.3.4","plan":"x"}]`, 1, false},
		{"fenced", "```json\n[{\"executor_host_ip\":\"1.2.3.4\",\"plan\":\"x\"}]\n```", 1, false},
		{"leading prose", `Here is the plan: [{"executor_host_ip":"1.2.3.4","plan":"x"}] hope it helps`, 1, false},
		{"bracket inside string", `[{"executor_host_ip":"1.2.3.4","plan":"run [this] now"}]`, 1, false},
		{"empty array", `[]`, 0, false},
		{"no array", `sorry I cannot help`, 0, true},
		{"broken json", `[{"executor_host_ip": "1.2.3.4"`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractPlanArray(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}
