package store

import (
	"database/sql"
)

// Usage is the per-request token tally accumulated by the post-processor.
type Usage struct {
	Model                    string  `json:"model,omitempty"`
	InputTokens              int64   `json:"input_tokens"`
	CacheReadInputTokens     int64   `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64   `json:"cache_creation_input_tokens"`
	OutputTokens             int64   `json:"output_tokens"`
	TotalTokens              int64   `json:"total_tokens"`
	CostUSD                  float64 `json:"cost_usd"`
}

// RequestRow is one persisted request summary.
type RequestRow struct {
	ID               string `json:"id"`
	AccountID        string `json:"account_id,omitempty"`
	Method           string `json:"method"`
	Path             string `json:"path"`
	TimestampMs      int64  `json:"timestamp"`
	StatusCode       int    `json:"status_code"`
	Success          bool   `json:"success"`
	ErrorMessage     string `json:"error_message,omitempty"`
	Usage            Usage  `json:"usage"`
	AgentUsed        string `json:"agent_used,omitempty"`
	FailoverAttempts int    `json:"failover_attempts"`
	IsStream         bool   `json:"is_stream"`
	Provider         string `json:"provider,omitempty"`
}

// RequestPayload is the captured request/response pair for one request.
type RequestPayload struct {
	ID              string
	RequestHeaders  string
	RequestBody     string // base64
	ResponseStatus  int
	ResponseHeaders string
	ResponseBody    string // base64
}

// InsertRequestMeta persists the request summary observed at Start.
func (s *Store) InsertRequestMeta(r *RequestRow) {
	row := *r
	s.enqueue("insert_request_meta", func(db *sql.DB) error {
		_, err := db.Exec(`INSERT OR IGNORE INTO requests
			(id, account_id, method, path, timestamp, status_code, is_stream, provider, agent_used, failover_attempts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID, nullStr(row.AccountID), row.Method, row.Path, row.TimestampMs,
			row.StatusCode, row.IsStream, row.Provider, nullStr(row.AgentUsed), row.FailoverAttempts)
		return err
	})
}

// UpdateRequestUsage records token usage extracted mid-flight.
func (s *Store) UpdateRequestUsage(requestID string, u Usage) {
	usage := u
	s.enqueue("update_request_usage", func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE requests SET model = ?, input_tokens = ?,
			cache_read_input_tokens = ?, cache_creation_input_tokens = ?,
			output_tokens = ?, total_tokens = ?, cost_usd = ? WHERE id = ?`,
			usage.Model, usage.InputTokens, usage.CacheReadInputTokens, usage.CacheCreationInputTokens,
			usage.OutputTokens, usage.TotalTokens, usage.CostUSD, requestID)
		return err
	})
}

// FinalizeRequest persists the terminal state of a request.
func (s *Store) FinalizeRequest(requestID string, success bool, errMsg string, u Usage) {
	usage := u
	s.enqueue("finalize_request", func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE requests SET success = ?, error_message = ?, model = ?,
			input_tokens = ?, cache_read_input_tokens = ?, cache_creation_input_tokens = ?,
			output_tokens = ?, total_tokens = ?, cost_usd = ? WHERE id = ?`,
			success, nullStr(errMsg), usage.Model,
			usage.InputTokens, usage.CacheReadInputTokens, usage.CacheCreationInputTokens,
			usage.OutputTokens, usage.TotalTokens, usage.CostUSD, requestID)
		return err
	})
}

// SaveRequestPayload stores the captured headers and bodies.
func (s *Store) SaveRequestPayload(p *RequestPayload) {
	payload := *p
	s.enqueue("save_request_payload", func(db *sql.DB) error {
		_, err := db.Exec(`INSERT OR REPLACE INTO request_payloads
			(id, request_headers, request_body, response_status, response_headers, response_body, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			payload.ID, payload.RequestHeaders, payload.RequestBody,
			payload.ResponseStatus, payload.ResponseHeaders, payload.ResponseBody, nowMs())
		return err
	})
}

// GetRequest reads one request summary (analytics/admin path, synchronous).
func (s *Store) GetRequest(id string) (*RequestRow, error) {
	row := s.db.QueryRow(`SELECT id, account_id, method, path, timestamp, status_code, success,
		error_message, model, input_tokens, cache_read_input_tokens, cache_creation_input_tokens,
		output_tokens, total_tokens, cost_usd, agent_used, failover_attempts, is_stream, provider
		FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListRequests returns the most recent request summaries.
func (s *Store) ListRequests(limit int) ([]*RequestRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, account_id, method, path, timestamp, status_code, success,
		error_message, model, input_tokens, cache_read_input_tokens, cache_creation_input_tokens,
		output_tokens, total_tokens, cost_usd, agent_used, failover_attempts, is_stream, provider
		FROM requests ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RequestRow
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(row interface{ Scan(...interface{}) error }) (*RequestRow, error) {
	var r RequestRow
	var accountID, errMsg, model, agent, provider sql.NullString
	var success sql.NullBool
	err := row.Scan(&r.ID, &accountID, &r.Method, &r.Path, &r.TimestampMs, &r.StatusCode, &success,
		&errMsg, &model, &r.Usage.InputTokens, &r.Usage.CacheReadInputTokens, &r.Usage.CacheCreationInputTokens,
		&r.Usage.OutputTokens, &r.Usage.TotalTokens, &r.Usage.CostUSD, &agent, &r.FailoverAttempts, &r.IsStream, &provider)
	if err != nil {
		return nil, err
	}
	r.AccountID = accountID.String
	r.Success = success.Bool
	r.ErrorMessage = errMsg.String
	r.Usage.Model = model.String
	r.AgentUsed = agent.String
	r.Provider = provider.String
	return &r, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
