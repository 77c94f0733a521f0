package harness

import (
	"errors"

	ports "github.com/ZanzyTHEbar/agentflow/agentflow/harness/ports"
)

// Conversation types shared with the ports package.
type (
	Turn     = ports.Turn
	Role     = ports.Role
	Metadata = ports.Metadata
	ToolCall = ports.ToolCall
)

const (
	RoleUser      = ports.RoleUser
	RoleAssistant = ports.RoleAssistant
	RoleTool      = ports.RoleTool
)

// State is a turn loop state.
type State string

const (
	StateModelTurn State = "MODEL_TURN"
	StateToolTurn  State = "TOOL_TURN"
	StateDone      State = "DONE"
)

// ErrPersistence wraps turn log failures. Callers treat it as fatal.
var ErrPersistence = errors.New("turn log write failed")

// RunRequest is one user submission.
type RunRequest struct {
	History       []Turn // turns from earlier runs, oldest first
	Input         string // user text
	MaxIterations int    // model calls allowed; 0 means the loop default
}

// RunState is the conversation threaded through one run.
type RunState struct {
	Turns         []Turn
	Iteration     int
	MaxIterations int
}

func (s *RunState) append(turn Turn) {
	s.Turns = append(s.Turns, turn)
}

// history returns a copy the caller may keep.
func (s *RunState) history() []Turn {
	out := make([]Turn, len(s.Turns))
	copy(out, s.Turns)
	return out
}
