package sink

// Kind discriminates sink events.
type Kind int

const (
	KindStart Kind = iota
	KindChunk
	KindEnd
	kindShutdown
)

// Event is one message on the post-processing queue. Start opens tracking
// for a request, Chunk carries raw stream bytes, End closes it.
type Event struct {
	Kind      Kind
	RequestID string

	// Start fields
	AccountID     string
	AccountName   string
	Method        string
	Path          string
	StatusCode    int
	IsStream      bool
	Provider      string
	AgentUsed     string
	Attempts      int
	BypassSession bool
	TimestampMs   int64
	ApiKeyID      string // reserved, callers do not populate it
	ApiKeyName    string // reserved, callers do not populate it

	// Chunk fields
	Data []byte

	// End fields
	Success      bool
	ErrorMessage string
	BodyBase64   string // non-streaming response body
	RequestMeta  *PayloadMeta

	// Shutdown ack
	done chan struct{}
}

// PayloadMeta is the captured request/response detail attached to End.
type PayloadMeta struct {
	RequestHeaders  string
	RequestBody     string // base64
	ResponseStatus  int
	ResponseHeaders string
}
