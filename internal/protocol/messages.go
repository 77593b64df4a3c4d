// ABOUTME: Typed wire messages exchanged between the gateway and its agents.
// ABOUTME: Every message is a flat JSON object tagged by its "type" field.

package protocol

// MessageType tags a message on the wire.
type MessageType string

const (
	TypeRegister    MessageType = "register"
	TypeRegisterAck MessageType = "register_ack"
	TypeHeartbeat   MessageType = "heartbeat"
	TypeTask        MessageType = "task"
	TypeResult      MessageType = "result"
	TypePing        MessageType = "ping"
	TypePong        MessageType = "pong"
	TypeCancel      MessageType = "cancel"
)

// Message is implemented by every wire message.
type Message interface {
	Kind() MessageType
	stamp()
}

// DeviceInfo describes the device an agent drives.
type DeviceInfo struct {
	Brand      string `json:"brand,omitempty"`
	Model      string `json:"model,omitempty"`
	OSVersion  string `json:"os_version,omitempty"`
	ScreenSize string `json:"screen_size,omitempty"`
}

// Register is the first message an agent sends on a fresh stream.
type Register struct {
	Type       MessageType `json:"type"`
	ClientID   string      `json:"client_id"`
	Timestamp  int64       `json:"timestamp"`
	DeviceInfo DeviceInfo  `json:"device_info"`
}

// RegisterAck answers a Register.
type RegisterAck struct {
	Type       MessageType `json:"type"`
	Success    bool        `json:"success"`
	Message    string      `json:"message,omitempty"`
	Error      string      `json:"error,omitempty"`
	ErrorCode  ErrorCode   `json:"error_code,omitempty"`
	ServerTime int64       `json:"server_time,omitempty"`
}

// Heartbeat is informational; the gateway records it and never evicts on it.
type Heartbeat struct {
	Type      MessageType `json:"type"`
	ClientID  string      `json:"client_id"`
	IsBusy    bool        `json:"is_busy"`
	Timestamp int64       `json:"timestamp"`
}

// Params carries workflow parameters. Values are JSON scalars.
type Params map[string]any

// Task asks an agent to run one workflow. Timeout is in seconds.
type Task struct {
	Type     MessageType `json:"type"`
	TaskID   string      `json:"task_id"`
	App      string      `json:"app"`
	Workflow string      `json:"workflow"`
	Params   Params      `json:"params"`
	Timeout  float64     `json:"timeout,omitempty"`
}

// Result reports the outcome of a Task. Duration is in seconds.
type Result struct {
	Type      MessageType `json:"type"`
	TaskID    string      `json:"task_id,omitempty"`
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorCode ErrorCode   `json:"error_code,omitempty"`
	Duration  float64     `json:"duration"`
}

// Ping is an application-level liveness probe.
type Ping struct {
	Type MessageType `json:"type"`
}

// Pong answers a Ping.
type Pong struct {
	Type MessageType `json:"type"`
}

// Cancel names an in-flight task. Agents accept it but cannot abort execution.
type Cancel struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id"`
}

func (*Register) Kind() MessageType    { return TypeRegister }
func (*RegisterAck) Kind() MessageType { return TypeRegisterAck }
func (*Heartbeat) Kind() MessageType   { return TypeHeartbeat }
func (*Task) Kind() MessageType        { return TypeTask }
func (*Result) Kind() MessageType      { return TypeResult }
func (*Ping) Kind() MessageType        { return TypePing }
func (*Pong) Kind() MessageType        { return TypePong }
func (*Cancel) Kind() MessageType      { return TypeCancel }

func (m *Register) stamp()    { m.Type = TypeRegister }
func (m *RegisterAck) stamp() { m.Type = TypeRegisterAck }
func (m *Heartbeat) stamp()   { m.Type = TypeHeartbeat }
func (m *Task) stamp()        { m.Type = TypeTask }
func (m *Result) stamp()      { m.Type = TypeResult }
func (m *Ping) stamp()        { m.Type = TypePing }
func (m *Pong) stamp()        { m.Type = TypePong }
func (m *Cancel) stamp()      { m.Type = TypeCancel }

// Failed builds an unsuccessful Result carrying a code.
func Failed(taskID string, code ErrorCode, errMsg string) *Result {
	return &Result{
		Type:      TypeResult,
		TaskID:    taskID,
		Success:   false,
		Error:     errMsg,
		ErrorCode: code,
	}
}
