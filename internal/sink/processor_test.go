package sink

import (
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"ccflare/internal/provider"
	"ccflare/internal/store"
)

// memRecorder captures store writes for assertions.
type memRecorder struct {
	mu           sync.Mutex
	meta         []*store.RequestRow
	finalized    map[string]store.Usage
	success      map[string]bool
	errMsgs      map[string]string
	payloads     []*store.RequestPayload
	sessions     []string
	bypassed     []string
	usageUpdates map[string]store.Usage
}

func newMemRecorder() *memRecorder {
	return &memRecorder{
		finalized:    make(map[string]store.Usage),
		success:      make(map[string]bool),
		errMsgs:      make(map[string]string),
		usageUpdates: make(map[string]store.Usage),
	}
}

func (r *memRecorder) InsertRequestMeta(row *store.RequestRow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meta = append(r.meta, row)
}

func (r *memRecorder) UpdateRequestUsage(id string, u store.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usageUpdates[id] = u
}

func (r *memRecorder) FinalizeRequest(id string, success bool, errMsg string, u store.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized[id] = u
	r.success[id] = success
	r.errMsgs[id] = errMsg
}

func (r *memRecorder) SaveRequestPayload(p *store.RequestPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
}

func (r *memRecorder) UpdateSessionSafe(id string, bypass bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bypass {
		r.bypassed = append(r.bypassed, id)
	} else {
		r.sessions = append(r.sessions, id)
	}
}

func (r *memRecorder) finalizedUsage(id string) (store.Usage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.finalized[id]
	return u, ok
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStreamingUsageExtraction(t *testing.T) {
	rec := newMemRecorder()
	p := NewProcessor(rec, Options{QueueSize: 100})
	defer p.Shutdown()

	p.Publish(Event{
		Kind: KindStart, RequestID: "r1", AccountID: "acc1",
		Method: "POST", Path: "/v1/messages", StatusCode: 200, IsStream: true,
		TimestampMs: time.Now().UnixMilli(),
	})

	// Chunks split mid-line to exercise the incomplete-tail handling.
	p.Publish(Event{Kind: KindChunk, RequestID: "r1", Data: []byte(
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-sonnet-4-20250514\"," +
			"\"usage\":{\"input_tokens\":120,\"cache_read_input_tokens\":40,\"cache_crea")})
	p.Publish(Event{Kind: KindChunk, RequestID: "r1", Data: []byte(
		"tion_input_tokens\":10,\"output_tokens\":1}}}\n\n")})
	p.Publish(Event{Kind: KindChunk, RequestID: "r1", Data: []byte(
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":256}}\n\n")})
	p.Publish(Event{Kind: KindEnd, RequestID: "r1", Success: true})

	waitFor(t, func() bool {
		_, ok := rec.finalizedUsage("r1")
		return ok
	})

	u, _ := rec.finalizedUsage("r1")
	if u.Model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q", u.Model)
	}
	if u.InputTokens != 120 || u.OutputTokens != 256 || u.CacheReadInputTokens != 40 || u.CacheCreationInputTokens != 10 {
		t.Errorf("usage = %+v", u)
	}
	if want := int64(120 + 256 + 40 + 10); u.TotalTokens != want {
		t.Errorf("total = %d, want %d", u.TotalTokens, want)
	}
	if u.CostUSD <= 0 {
		t.Errorf("cost = %f, want > 0", u.CostUSD)
	}

	rec.mu.Lock()
	sessions := len(rec.sessions)
	_, midFlight := rec.usageUpdates["r1"]
	rec.mu.Unlock()
	if sessions != 1 {
		t.Errorf("session updates = %d, want 1", sessions)
	}
	if !midFlight {
		t.Error("usage not reported mid-stream")
	}
}

func TestStreamingPayloadCapture(t *testing.T) {
	rec := newMemRecorder()
	p := NewProcessor(rec, Options{QueueSize: 100})
	defer p.Shutdown()

	chunks := []string{
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-3-5-haiku-20241022\"}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	}

	p.Publish(Event{Kind: KindStart, RequestID: "rp1", IsStream: true, StatusCode: 200})
	for _, c := range chunks {
		p.Publish(Event{Kind: KindChunk, RequestID: "rp1", Data: []byte(c)})
	}
	p.Publish(Event{
		Kind: KindEnd, RequestID: "rp1", Success: true,
		RequestMeta: &PayloadMeta{RequestHeaders: "{}", ResponseStatus: 200, ResponseHeaders: "{}"},
	})

	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.payloads) == 1
	})

	rec.mu.Lock()
	saved := rec.payloads[0]
	rec.mu.Unlock()

	if saved.ResponseBody == "" {
		t.Fatal("streaming response body lost from payload capture")
	}
	body, err := base64.StdEncoding.DecodeString(saved.ResponseBody)
	if err != nil {
		t.Fatalf("payload body not base64: %v", err)
	}
	if got, want := string(body), chunks[0]+chunks[1]; got != want {
		t.Fatalf("captured body = %q, want the concatenated chunks", got)
	}
}

func TestStreamingCaptureRespectsBufferCap(t *testing.T) {
	rec := newMemRecorder()
	p := NewProcessor(rec, Options{QueueSize: 100, BufferBytes: 64})
	defer p.Shutdown()

	p.Publish(Event{Kind: KindStart, RequestID: "rp2", IsStream: true, StatusCode: 200})
	big := make([]byte, 200)
	for i := range big {
		big[i] = 'x'
	}
	p.Publish(Event{Kind: KindChunk, RequestID: "rp2", Data: big})
	p.Publish(Event{
		Kind: KindEnd, RequestID: "rp2", Success: true,
		RequestMeta: &PayloadMeta{ResponseStatus: 200},
	})

	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.payloads) == 1
	})

	rec.mu.Lock()
	saved := rec.payloads[0]
	rec.mu.Unlock()
	body, err := base64.StdEncoding.DecodeString(saved.ResponseBody)
	if err != nil {
		t.Fatalf("payload body not base64: %v", err)
	}
	if len(body) != 64 {
		t.Fatalf("captured %d bytes, want the 64 byte cap", len(body))
	}
}

func TestTopLevelUsageIncludesCacheFields(t *testing.T) {
	rec := newMemRecorder()
	p := NewProcessor(rec, Options{QueueSize: 100})
	defer p.Shutdown()

	p.Publish(Event{Kind: KindStart, RequestID: "rc1", IsStream: true, StatusCode: 200})
	p.Publish(Event{Kind: KindChunk, RequestID: "rc1", Data: []byte(
		"data: {\"type\":\"completion\",\"usage\":{\"input_tokens\":5,\"output_tokens\":7," +
			"\"cache_read_input_tokens\":30,\"cache_creation_input_tokens\":11}}\n\n")})
	p.Publish(Event{Kind: KindEnd, RequestID: "rc1", Success: true})

	waitFor(t, func() bool {
		_, ok := rec.finalizedUsage("rc1")
		return ok
	})

	u, _ := rec.finalizedUsage("rc1")
	if u.CacheReadInputTokens != 30 || u.CacheCreationInputTokens != 11 {
		t.Errorf("cache fields lost: %+v", u)
	}
	if want := int64(5 + 7 + 30 + 11); u.TotalTokens != want {
		t.Errorf("total = %d, want %d", u.TotalTokens, want)
	}
}

func TestNonStreamingBodyUsage(t *testing.T) {
	rec := newMemRecorder()
	p := NewProcessor(rec, Options{QueueSize: 100})
	defer p.Shutdown()

	body := `{"model":"claude-3-5-haiku-20241022","usage":{"input_tokens":50,"output_tokens":20}}`

	p.Publish(Event{Kind: KindStart, RequestID: "r2", AccountID: "acc1", StatusCode: 200})
	p.Publish(Event{
		Kind: KindEnd, RequestID: "r2", Success: true,
		BodyBase64: base64.StdEncoding.EncodeToString([]byte(body)),
		RequestMeta: &PayloadMeta{
			RequestHeaders: "{}", ResponseStatus: 200, ResponseHeaders: "{}",
		},
	})

	waitFor(t, func() bool {
		_, ok := rec.finalizedUsage("r2")
		return ok
	})

	u, _ := rec.finalizedUsage("r2")
	if u.InputTokens != 50 || u.OutputTokens != 20 || u.TotalTokens != 70 {
		t.Errorf("usage = %+v", u)
	}

	rec.mu.Lock()
	payloads := len(rec.payloads)
	rec.mu.Unlock()
	if payloads != 1 {
		t.Errorf("payloads = %d, want 1", payloads)
	}
}

func TestNonStreamingUsageViaProviderAdapter(t *testing.T) {
	provider.Register(provider.NewAnthropic("https://api.anthropic.com", "https://console.anthropic.com/v1/oauth/token"))

	rec := newMemRecorder()
	p := NewProcessor(rec, Options{QueueSize: 100})
	defer p.Shutdown()

	body := `{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":80,"output_tokens":16,"cache_read_input_tokens":4}}`

	p.Publish(Event{Kind: KindStart, RequestID: "ra1", StatusCode: 200, Provider: store.ProviderAnthropic})
	p.Publish(Event{
		Kind: KindEnd, RequestID: "ra1", Success: true,
		BodyBase64: base64.StdEncoding.EncodeToString([]byte(body)),
	})

	waitFor(t, func() bool {
		_, ok := rec.finalizedUsage("ra1")
		return ok
	})

	u, _ := rec.finalizedUsage("ra1")
	if u.Model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q", u.Model)
	}
	if u.InputTokens != 80 || u.OutputTokens != 16 || u.CacheReadInputTokens != 4 {
		t.Errorf("usage = %+v", u)
	}
	if u.TotalTokens != 100 {
		t.Errorf("total = %d, want 100", u.TotalTokens)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	rec := newMemRecorder()
	p := NewProcessor(rec, Options{QueueSize: 100})
	defer p.Shutdown()

	p.Publish(Event{Kind: KindStart, RequestID: "r3", StatusCode: 200})
	p.Publish(Event{Kind: KindEnd, RequestID: "r3", Success: true})
	p.Publish(Event{Kind: KindEnd, RequestID: "r3", Success: false, ErrorMessage: "dup"})

	waitFor(t, func() bool {
		_, ok := rec.finalizedUsage("r3")
		return ok
	})
	p.Shutdown()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.success["r3"] {
		t.Error("second end overwrote the first finalization")
	}
	if rec.errMsgs["r3"] != "" {
		t.Errorf("errMsg = %q, want empty", rec.errMsgs["r3"])
	}
}

func TestOrphanedRequestFinalized(t *testing.T) {
	rec := newMemRecorder()
	p := NewProcessor(rec, Options{QueueSize: 100, OrphanTimeout: 60 * time.Millisecond})
	defer p.Shutdown()

	p.Publish(Event{Kind: KindStart, RequestID: "r4", IsStream: true, StatusCode: 200})
	p.Publish(Event{Kind: KindChunk, RequestID: "r4", Data: []byte("data: {\"type\":\"ping\"}\n\n")})

	waitFor(t, func() bool {
		_, ok := rec.finalizedUsage("r4")
		return ok
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.success["r4"] {
		t.Error("orphan finalized as success")
	}
	if rec.errMsgs["r4"] == "" {
		t.Error("orphan finalized without error message")
	}
}

func TestBypassSessionStart(t *testing.T) {
	rec := newMemRecorder()
	p := NewProcessor(rec, Options{QueueSize: 100})

	p.Publish(Event{Kind: KindStart, RequestID: "r5", AccountID: "acc9", BypassSession: true, StatusCode: 200})
	p.Publish(Event{Kind: KindEnd, RequestID: "r5", Success: true})
	p.Shutdown()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.bypassed) != 1 || rec.bypassed[0] != "acc9" {
		t.Errorf("bypassed = %v, want [acc9]", rec.bypassed)
	}
	if len(rec.sessions) != 0 {
		t.Errorf("sessions = %v, want empty", rec.sessions)
	}
}
