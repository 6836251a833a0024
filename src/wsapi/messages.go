package wsapi

import "encoding/json"

// inboundFrame is the envelope every client-to-server message is
// decoded into first; Type selects how the remaining fields are
// interpreted.
type inboundFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	// session.start
	Name            string            `json:"name,omitempty"`
	Shell           string            `json:"shell,omitempty"`
	Command         string            `json:"command,omitempty"`
	WorkingDir      string            `json:"working_dir,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Rows            uint16            `json:"rows,omitempty"`
	Cols            uint16            `json:"cols,omitempty"`
	PTY             *bool             `json:"pty,omitempty"`
	Persistent      bool              `json:"persistent,omitempty"`
	IdleTimeoutSecs int               `json:"idle_timeout_secs,omitempty"`

	// most operations
	SessionID string `json:"session_id,omitempty"`

	// session.exec / session.stdin
	Data string `json:"data,omitempty"`

	// session.signal
	Signal int `json:"signal,omitempty"`

	// session.attach
	Since *uint64 `json:"since,omitempty"`

	// session.allow_ai
	Allowed bool `json:"allowed,omitempty"`

	// session.ai_status
	Working  bool   `json:"working,omitempty"`
	Activity string `json:"activity,omitempty"`
	Message  string `json:"message,omitempty"`
}

// outbound is any JSON-serializable outbound frame. All outbound
// frame types below carry their own `type` field so the pump can
// marshal them uniformly via json.Marshal.
type outbound interface{}

type pongFrame struct {
	Type string `json:"type"`
}

type sessionStartedFrame struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	PID          int    `json:"pid"`
	Persistent   bool   `json:"persistent"`
	PTY          bool   `json:"pty"`
	UserAllowsAI bool   `json:"user_allows_ai"`
	Name         string `json:"name"`
	RequestID    string `json:"request_id,omitempty"`
}

type ackFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id,omitempty"`
}

type signalAckFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Signal    int    `json:"signal"`
	RequestID string `json:"request_id,omitempty"`
}

type outputFrame struct {
	Type        string `json:"type"` // session.stdout | session.stderr | session.system
	SessionID   string `json:"session_id"`
	Data        string `json:"data"`
	Seq         uint64 `json:"seq"`
	TimestampMs int64  `json:"timestamp_ms"`
}

type sessionExitedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ExitCode  *int   `json:"exit_code"`
}

type sessionClosedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type attachedFrame struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	Entries   []entry `json:"entries"`
	Dropped   uint64  `json:"dropped"`
	RequestID string  `json:"request_id,omitempty"`
}

type entry struct {
	Seq         uint64 `json:"seq"`
	Stream      string `json:"stream"`
	Data        string `json:"data"`
	TimestampMs int64  `json:"timestamp_ms"`
}

type listedFrame struct {
	Type      string        `json:"type"`
	Sessions  []sessionInfo `json:"sessions"`
	RequestID string        `json:"request_id,omitempty"`
}

type sessionInfo struct {
	SessionID       string `json:"session_id"`
	Name            string `json:"name"`
	PID             int    `json:"pid"`
	PTY             bool   `json:"pty"`
	Persistent      bool   `json:"persistent"`
	WorkingDir      string `json:"working_dir"`
	Shell           string `json:"shell"`
	Rows            uint16 `json:"rows"`
	Cols            uint16 `json:"cols"`
	Status          string `json:"status"`
	ExitCode        *int   `json:"exit_code"`
	IdleTimeoutSecs int    `json:"idle_timeout_secs"`
	Idle            bool   `json:"idle"`
	UserAllowsAI    bool   `json:"user_allows_ai"`
	AIIsWorking     bool   `json:"ai_is_working"`
	AIActivity      string `json:"ai_activity,omitempty"`
	AIStatusMessage string `json:"ai_status_message,omitempty"`
}

type shellListedFrame struct {
	Type      string   `json:"type"`
	Shells    []string `json:"shells"`
	Default   string   `json:"default"`
	RequestID string   `json:"request_id,omitempty"`
}

type broadcastFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"-"`
}

// MarshalJSON flattens broadcastFrame's payload alongside its type so
// the wire shape matches every other frame: {"type": "...", ...fields}.
func (b broadcastFrame) MarshalJSON() ([]byte, error) {
	merged := map[string]json.RawMessage{}
	if len(b.Data) > 0 {
		if err := json.Unmarshal(b.Data, &merged); err != nil {
			return nil, err
		}
	}
	typeJSON, err := json.Marshal(b.Type)
	if err != nil {
		return nil, err
	}
	merged["type"] = typeJSON
	return json.Marshal(merged)
}

type errorFrame struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}
