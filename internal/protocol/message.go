// Package protocol defines the framed JSON messages exchanged between the
// server and its agents, and the codec that moves them over a byte stream.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type discriminators. Every frame is a JSON object carrying one
// of these in its "type" field.
const (
	TypeAuthChallenge = "auth_challenge"
	TypeAuthResponse  = "auth_response"
	TypeAuthResult    = "auth_result"
	TypeHostInfo      = "host_info"
	TypeCommand       = "command"
	TypeCommandResult = "command_result"
	TypeBroadcast     = "broadcast"
)

// Message is implemented by every wire message.
type Message interface {
	Kind() string
}

// AuthChallenge opens the handshake. The nonce is 16 random bytes,
// hex-encoded; ts is the server's Unix time in seconds.
type AuthChallenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

func (m *AuthChallenge) Kind() string { return TypeAuthChallenge }

// AuthResponse answers a challenge. The mac is
// hex(HMAC-SHA256(secret, agent_id + ":" + nonce + ":" + ts)) computed
// over the ts the agent sends, which is its own clock.
type AuthResponse struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Nonce   string `json:"nonce"`
	TS      int64  `json:"ts"`
	MAC     string `json:"mac"`
}

func (m *AuthResponse) Kind() string { return TypeAuthResponse }

// AuthResult closes the handshake. Reason is set only on failure and
// never contains secret material.
type AuthResult struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

func (m *AuthResult) Kind() string { return TypeAuthResult }

// AppVersion is one discovered application version entry. The contents
// come from version files on the agent host and are treated as opaque
// metadata by the server.
type AppVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HostInfo is the agent's periodic heartbeat payload. Heartbeat
// increases monotonically for the lifetime of the agent process.
type HostInfo struct {
	Type             string       `json:"type"`
	AgentID          string       `json:"agent_id"`
	Hostname         string       `json:"hostname"`
	OS               string       `json:"os"`
	OSVersion        string       `json:"os_version,omitempty"`
	Kernel           string       `json:"kernel,omitempty"`
	Arch             string       `json:"arch"`
	CPUs             int          `json:"cpus"`
	TotalMemoryBytes uint64       `json:"total_memory_bytes"`
	IP               string       `json:"ip,omitempty"`
	UptimeSeconds    uint64       `json:"uptime_seconds"`
	Heartbeat        uint64       `json:"heartbeat"`
	SentAt           time.Time    `json:"sent_at"`
	AppVersions      []AppVersion `json:"app_versions,omitempty"`
}

func (m *HostInfo) Kind() string { return TypeHostInfo }

// Command asks the agent to run one validated shell command.
type Command struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id"`
	Command   string `json:"command"`
}

func (m *Command) Kind() string { return TypeCommand }

// Synthetic exit codes for commands that never ran to completion.
const (
	// ExitRejected means the agent's validator refused the command;
	// stderr carries the reason.
	ExitRejected = -1
	// ExitTimeout means the execution exceeded its time limit and the
	// process was killed.
	ExitTimeout = -2
)

// CommandResult reports one command's outcome. ExitCode ExitRejected
// and ExitTimeout mark commands that never ran to completion.
type CommandResult struct {
	Type       string    `json:"type"`
	CommandID  string    `json:"command_id"`
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	FinishedAt time.Time `json:"finished_at"`
}

func (m *CommandResult) Kind() string { return TypeCommandResult }

// Broadcast carries an operator message to every connected agent.
type Broadcast struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (m *Broadcast) Kind() string { return TypeBroadcast }

// NewAuthChallenge builds a challenge message.
func NewAuthChallenge(nonce string, ts int64) *AuthChallenge {
	return &AuthChallenge{Type: TypeAuthChallenge, Nonce: nonce, TS: ts}
}

// NewAuthResponse builds a challenge response.
func NewAuthResponse(agentID, nonce string, ts int64, mac string) *AuthResponse {
	return &AuthResponse{Type: TypeAuthResponse, AgentID: agentID, Nonce: nonce, TS: ts, MAC: mac}
}

// NewAuthResult builds a handshake verdict.
func NewAuthResult(ok bool, reason string) *AuthResult {
	return &AuthResult{Type: TypeAuthResult, OK: ok, Reason: reason}
}

// NewCommand builds a command dispatch message.
func NewCommand(commandID, command string) *Command {
	return &Command{Type: TypeCommand, CommandID: commandID, Command: command}
}

// NewBroadcast builds a broadcast message.
func NewBroadcast(message string) *Broadcast {
	return &Broadcast{Type: TypeBroadcast, Message: message}
}

// NewCommandResult builds a command outcome report.
func NewCommandResult(commandID string, exitCode int, stdout, stderr string, finishedAt time.Time) *CommandResult {
	return &CommandResult{
		Type:       TypeCommandResult,
		CommandID:  commandID,
		ExitCode:   exitCode,
		Stdout:     stdout,
		Stderr:     stderr,
		FinishedAt: finishedAt,
	}
}

// Decode parses one frame payload into its typed message. The type field
// decides the concrete struct; the whole object is unmarshalled flat.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg Message
	switch env.Type {
	case TypeAuthChallenge:
		msg = &AuthChallenge{}
	case TypeAuthResponse:
		msg = &AuthResponse{}
	case TypeAuthResult:
		msg = &AuthResult{}
	case TypeHostInfo:
		msg = &HostInfo{}
	case TypeCommand:
		msg = &Command{}
	case TypeCommandResult:
		msg = &CommandResult{}
	case TypeBroadcast:
		msg = &Broadcast{}
	case "":
		return nil, fmt.Errorf("%w: missing type field", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}
