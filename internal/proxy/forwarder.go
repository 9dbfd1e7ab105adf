package proxy

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"ccflare/internal/events"
	"ccflare/internal/provider"
	"ccflare/internal/sink"
)

// ForwardMeta carries request context into the sink events.
type ForwardMeta struct {
	RequestID     string
	AccountID     string
	AccountName   string
	Method        string
	Path          string
	Provider      string
	AgentUsed     string
	BypassSession bool
	Attempts      int
	ReqHeaders    string // json encoded, for payload capture
	ReqBodyB64    string
}

// Forwarder returns the upstream response to the client while feeding the
// post-processing sink. Streaming bodies pass through byte for byte; the
// sink observes a tee, never a transform.
type Forwarder struct {
	sink *sink.Processor
	bus  *events.Bus
}

func NewForwarder(s *sink.Processor, bus *events.Bus) *Forwarder {
	return &Forwarder{sink: s, bus: bus}
}

// Forward writes resp to w and emits Start/Chunk/End for the request.
func (f *Forwarder) Forward(w http.ResponseWriter, resp *http.Response, adapter provider.Adapter, meta ForwardMeta) {
	defer resp.Body.Close()

	isStream := adapter.IsStreamingResponse(resp)

	f.sink.Publish(sink.Event{
		Kind:          sink.KindStart,
		RequestID:     meta.RequestID,
		AccountID:     meta.AccountID,
		AccountName:   meta.AccountName,
		Method:        meta.Method,
		Path:          meta.Path,
		StatusCode:    resp.StatusCode,
		IsStream:      isStream,
		Provider:      meta.Provider,
		AgentUsed:     meta.AgentUsed,
		Attempts:      meta.Attempts,
		BypassSession: meta.BypassSession,
		TimestampMs:   time.Now().UnixMilli(),
	})

	f.bus.Publish(events.RequestStart{
		RequestID:   meta.RequestID,
		Method:      meta.Method,
		Path:        meta.Path,
		AccountID:   meta.AccountID,
		AccountName: meta.AccountName,
		StatusCode:  resp.StatusCode,
		TimestampMs: time.Now().UnixMilli(),
		Agent:       meta.AgentUsed,
	})

	CopySanitizedResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	// A 404 on discovery paths is routine, not a failure.
	expectedOK := resp.StatusCode < 400 ||
		(resp.StatusCode == http.StatusNotFound && strings.HasPrefix(meta.Path, "/.well-known/"))

	payloadMeta := &sink.PayloadMeta{
		RequestHeaders:  meta.ReqHeaders,
		RequestBody:     meta.ReqBodyB64,
		ResponseStatus:  resp.StatusCode,
		ResponseHeaders: headerJSON(resp.Header),
	}

	if isStream {
		f.forwardStream(w, resp.Body, meta, expectedOK, payloadMeta)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Warn().Str("request_id", meta.RequestID).Err(err).Msg("upstream body read failed")
		f.sink.Publish(sink.Event{
			Kind: sink.KindEnd, RequestID: meta.RequestID,
			Success: false, ErrorMessage: "upstream body read failed: " + err.Error(),
			RequestMeta: payloadMeta,
		})
		return
	}
	if _, err := w.Write(body); err != nil {
		log.Debug().Str("request_id", meta.RequestID).Err(err).Msg("client write failed")
	}

	f.sink.Publish(sink.Event{
		Kind: sink.KindEnd, RequestID: meta.RequestID,
		Success:     expectedOK,
		BodyBase64:  base64.StdEncoding.EncodeToString(body),
		RequestMeta: payloadMeta,
	})
}

// forwardStream pipes the body to the client, flushing per read, while the
// sink sees every byte as a Chunk.
func (f *Forwarder) forwardStream(w http.ResponseWriter, body io.Reader, meta ForwardMeta, expectedOK bool, payloadMeta *sink.PayloadMeta) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)

	var streamErr error
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			f.sink.Publish(sink.Event{Kind: sink.KindChunk, RequestID: meta.RequestID, Data: chunk})

			if _, werr := w.Write(buf[:n]); werr != nil {
				streamErr = werr
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
	}

	end := sink.Event{
		Kind: sink.KindEnd, RequestID: meta.RequestID,
		Success:     expectedOK && streamErr == nil,
		RequestMeta: payloadMeta,
	}
	if streamErr != nil {
		end.ErrorMessage = "stream interrupted: " + streamErr.Error()
	}
	f.sink.Publish(end)
}

func headerJSON(h http.Header) string {
	b, err := json.Marshal(h)
	if err != nil {
		return "{}"
	}
	return string(b)
}
