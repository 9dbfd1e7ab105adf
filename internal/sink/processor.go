package sink

import (
	"bytes"
	"encoding/base64"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"ccflare/internal/provider"
	"ccflare/internal/store"
)

// Recorder is the slice of the store the processor writes through.
type Recorder interface {
	InsertRequestMeta(r *store.RequestRow)
	UpdateRequestUsage(requestID string, u store.Usage)
	FinalizeRequest(requestID string, success bool, errMsg string, u store.Usage)
	SaveRequestPayload(p *store.RequestPayload)
	UpdateSessionSafe(id string, bypassSession bool)
}

// Options tunes the processor.
type Options struct {
	QueueSize     int
	BufferBytes   int // cap on retained stream bytes per request
	OrphanTimeout time.Duration
}

// requestState is the per-request accumulator held between Start and End.
type requestState struct {
	accountID     string
	provider      string
	isStream      bool
	usage         store.Usage
	sawUsage      bool
	usageReported bool
	tail          []byte // incomplete trailing stream line
	captured      []byte // stream bytes retained for payload capture
	lastActivity  time.Time
}

// Processor consumes request lifecycle events on a single goroutine and
// persists usage, summaries and payloads. Publishing never blocks the
// request path.
type Processor struct {
	recorder Recorder
	opts     Options

	queue   chan Event
	stopped chan struct{}
}

func NewProcessor(recorder Recorder, opts Options) *Processor {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10000
	}
	if opts.BufferBytes <= 0 {
		opts.BufferBytes = 64 * 1024
	}
	if opts.OrphanTimeout <= 0 {
		opts.OrphanTimeout = 30 * time.Second
	}
	p := &Processor{
		recorder: recorder,
		opts:     opts,
		queue:    make(chan Event, opts.QueueSize),
		stopped:  make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues an event, dropping it when the queue is full.
func (p *Processor) Publish(ev Event) {
	select {
	case p.queue <- ev:
	default:
		log.Warn().Str("request_id", ev.RequestID).Int("kind", int(ev.Kind)).Msg("sink queue full, dropping event")
	}
}

// Shutdown finalizes all tracked requests and stops the consumer. Blocks
// until the queue is drained.
func (p *Processor) Shutdown() {
	select {
	case <-p.stopped:
		return
	default:
	}
	done := make(chan struct{})
	select {
	case p.queue <- Event{Kind: kindShutdown, done: done}:
		select {
		case <-done:
		case <-p.stopped:
		}
	case <-p.stopped:
	}
}

func (p *Processor) run() {
	states := make(map[string]*requestState)

	sweep := time.NewTicker(p.opts.OrphanTimeout / 3)
	defer sweep.Stop()

	for {
		select {
		case ev := <-p.queue:
			switch ev.Kind {
			case KindStart:
				p.handleStart(states, ev)
			case KindChunk:
				p.handleChunk(states, ev)
			case KindEnd:
				p.handleEnd(states, ev)
			case kindShutdown:
				for id, st := range states {
					p.finalize(id, st, false, "shutdown before response completed")
					delete(states, id)
				}
				close(p.stopped)
				close(ev.done)
				return
			}
		case <-sweep.C:
			cutoff := time.Now().Add(-p.opts.OrphanTimeout)
			for id, st := range states {
				if st.lastActivity.Before(cutoff) {
					log.Warn().Str("request_id", id).Msg("request orphaned, finalizing without end event")
					p.finalize(id, st, false, "stream ended without completion")
					delete(states, id)
				}
			}
		}
	}
}

func (p *Processor) handleStart(states map[string]*requestState, ev Event) {
	p.recorder.InsertRequestMeta(&store.RequestRow{
		ID:               ev.RequestID,
		AccountID:        ev.AccountID,
		Method:           ev.Method,
		Path:             ev.Path,
		TimestampMs:      ev.TimestampMs,
		StatusCode:       ev.StatusCode,
		IsStream:         ev.IsStream,
		Provider:         ev.Provider,
		AgentUsed:        ev.AgentUsed,
		FailoverAttempts: ev.Attempts,
	})

	if ev.AccountID != "" {
		p.recorder.UpdateSessionSafe(ev.AccountID, ev.BypassSession)
	}

	states[ev.RequestID] = &requestState{
		accountID:    ev.AccountID,
		provider:     ev.Provider,
		isStream:     ev.IsStream,
		lastActivity: time.Now(),
	}
}

func (p *Processor) handleChunk(states map[string]*requestState, ev Event) {
	st, ok := states[ev.RequestID]
	if !ok {
		return
	}
	st.lastActivity = time.Now()

	// Keep the stream bytes for payload capture, up to the buffer cap.
	if room := p.opts.BufferBytes - len(st.captured); room > 0 {
		chunk := ev.Data
		if len(chunk) > room {
			chunk = chunk[:room]
		}
		st.captured = append(st.captured, chunk...)
	}

	data := append(st.tail, ev.Data...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		st.consumeLine(data[:i])
		data = data[i+1:]
	}

	// Retain the incomplete line up to the buffer cap.
	if len(data) > p.opts.BufferBytes {
		data = data[len(data)-p.opts.BufferBytes:]
	}
	st.tail = append(st.tail[:0], data...)

	if st.sawUsage && !st.usageReported {
		p.recorder.UpdateRequestUsage(ev.RequestID, st.usage)
		st.usageReported = true
	}
}

// consumeLine folds one SSE line into the usage tally.
func (st *requestState) consumeLine(line []byte) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte("data:")) {
		return
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 || payload[0] != '{' {
		return
	}

	switch gjson.GetBytes(payload, "type").String() {
	case "message_start":
		msg := gjson.GetBytes(payload, "message")
		if model := msg.Get("model").String(); model != "" {
			st.usage.Model = model
		}
		if u := msg.Get("usage"); u.Exists() {
			st.usage.InputTokens = u.Get("input_tokens").Int()
			st.usage.CacheReadInputTokens = u.Get("cache_read_input_tokens").Int()
			st.usage.CacheCreationInputTokens = u.Get("cache_creation_input_tokens").Int()
			st.usage.OutputTokens = u.Get("output_tokens").Int()
			st.sawUsage = true
		}
	case "message_delta":
		if u := gjson.GetBytes(payload, "usage"); u.Exists() {
			if v := u.Get("output_tokens"); v.Exists() {
				st.usage.OutputTokens = v.Int()
			}
			if v := u.Get("input_tokens"); v.Exists() {
				st.usage.InputTokens = v.Int()
			}
			st.sawUsage = true
		}
	default:
		if u := gjson.GetBytes(payload, "usage"); u.Exists() {
			if v := u.Get("input_tokens"); v.Exists() {
				st.usage.InputTokens = v.Int()
			}
			if v := u.Get("output_tokens"); v.Exists() {
				st.usage.OutputTokens = v.Int()
			}
			if v := u.Get("cache_read_input_tokens"); v.Exists() {
				st.usage.CacheReadInputTokens = v.Int()
			}
			if v := u.Get("cache_creation_input_tokens"); v.Exists() {
				st.usage.CacheCreationInputTokens = v.Int()
			}
			st.sawUsage = true
		}
	}
}

func (p *Processor) handleEnd(states map[string]*requestState, ev Event) {
	st, ok := states[ev.RequestID]
	if !ok {
		// Duplicate End or the Start was dropped; either way nothing to do.
		log.Debug().Str("request_id", ev.RequestID).Msg("end event for untracked request")
		return
	}
	delete(states, ev.RequestID)

	// Non-streaming responses carry the whole body on the End event.
	if !st.isStream && ev.BodyBase64 != "" {
		if body, err := base64.StdEncoding.DecodeString(ev.BodyBase64); err == nil {
			if adapter, ok := provider.Get(st.provider); ok {
				if u := adapter.ExtractUsageInfo(body); u != nil {
					st.usage = *u
					st.sawUsage = true
				}
			} else {
				st.consumeBody(body)
			}
		}
	}

	p.finalize(ev.RequestID, st, ev.Success, ev.ErrorMessage)

	if ev.RequestMeta != nil {
		// Streaming bodies were captured chunk by chunk.
		responseBody := ev.BodyBase64
		if st.isStream && len(st.captured) > 0 {
			responseBody = base64.StdEncoding.EncodeToString(st.captured)
		}
		p.recorder.SaveRequestPayload(&store.RequestPayload{
			ID:              ev.RequestID,
			RequestHeaders:  ev.RequestMeta.RequestHeaders,
			RequestBody:     ev.RequestMeta.RequestBody,
			ResponseStatus:  ev.RequestMeta.ResponseStatus,
			ResponseHeaders: ev.RequestMeta.ResponseHeaders,
			ResponseBody:    responseBody,
		})
	}
}

// consumeBody reads usage out of a buffered non-streaming JSON body.
func (st *requestState) consumeBody(body []byte) {
	u := gjson.GetBytes(body, "usage")
	if !u.Exists() {
		return
	}
	if model := gjson.GetBytes(body, "model").String(); model != "" {
		st.usage.Model = model
	}
	st.usage.InputTokens = u.Get("input_tokens").Int()
	st.usage.CacheReadInputTokens = u.Get("cache_read_input_tokens").Int()
	st.usage.CacheCreationInputTokens = u.Get("cache_creation_input_tokens").Int()
	st.usage.OutputTokens = u.Get("output_tokens").Int()
	st.sawUsage = true
}

func (p *Processor) finalize(id string, st *requestState, success bool, errMsg string) {
	if st.sawUsage {
		st.usage.TotalTokens = st.usage.InputTokens + st.usage.OutputTokens +
			st.usage.CacheReadInputTokens + st.usage.CacheCreationInputTokens
		st.usage.CostUSD = estimateCost(&st.usage)
	}
	p.recorder.FinalizeRequest(id, success, errMsg, st.usage)
}
