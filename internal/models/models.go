package models

import "time"

type Role string

const (
	RoleMentor  Role = "mentor"
	RoleStudent Role = "student"
)

type Language string

const (
	LangJavaScript Language = "javascript"
	LangPython     Language = "python"
)

// Inbound frame types (client -> server).
const (
	FrameJoin         = "join"
	FrameLeave        = "leave"
	FrameSubmitCode   = "submit_code"
	FrameSubmitOutput = "submit_output"
	FrameRun          = "run"
)

// Outbound frame types (server -> client).
const (
	FrameSnapshot         = "snapshot"
	FrameRoleAssigned     = "role_assigned"
	FrameMentorDeparted   = "mentor_departed"
	FrameParticipantCount = "participant_count"
	FrameCodeUpdated      = "code_updated"
	FrameOutputUpdated    = "output_updated"
	FrameRunResult        = "run_result"
	FrameError            = "error"
	FrameServerShutdown   = "server_shutdown"
)

const MentorDepartedMessage = "The mentor has left the block"

type WSFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

/*** Session payloads ***/
type Snapshot struct {
	BlockID      string `json:"blockId"`
	Role         Role   `json:"role"`
	Code         string `json:"code"`
	Output       string `json:"output"`
	Participants int    `json:"participants"`
}

type RoleAssigned struct {
	Role Role `json:"role"`
}

type MentorDeparted struct {
	Message string `json:"message"`
}

type ParticipantCount struct {
	Count int `json:"count"`
}

type CodeUpdate struct {
	Code string `json:"code"`
}

type OutputUpdate struct {
	Output string `json:"output"`
}

type ServerShutdown struct {
	Message string `json:"message"`
}

// BlockStatus is the diagnostic view of a live session.
type BlockStatus struct {
	BlockID      string    `json:"blockId"`
	Participants int       `json:"participants"`
	HasMentor    bool      `json:"hasMentor"`
	MentorID     string    `json:"mentorId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	Instance     string    `json:"instance,omitempty"`
}

/*** Exercises ***/
type Exercise struct {
	ID       string   `json:"id"`
	Subject  string   `json:"subject"`
	Prompt   string   `json:"prompt"`
	Solution string   `json:"solution"`
	Language Language `json:"language,omitempty"`
}

/*** Execution ***/
type LanguageSpec struct {
	Name            Language `json:"name"`
	FileName        string   `json:"fileName"`
	RunCmd          []string `json:"runCmd"`
	DefaultTabSize  int      `json:"defaultTabSize"`
	ExampleTemplate string   `json:"exampleTemplate"`
}

type RunRequest struct {
	Language Language `json:"language"`
	Code     string   `json:"code"`
}

type RunResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Exit     int    `json:"exit"`
	TimedOut bool   `json:"timedOut"`
}

// SessionEvent is published on the lifecycle channel when a block session
// starts or ends on some instance.
type SessionEvent struct {
	Type      string    `json:"type"` // "session_started", "session_ended"
	BlockID   string    `json:"blockId"`
	Instance  string    `json:"instance"`
	Timestamp time.Time `json:"timestamp"`
}
