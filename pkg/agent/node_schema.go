package agent

import (
	"fmt"
)

func validTaskState(s TaskState) bool {
	switch s {
	case TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired,
		TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

func validateMessage(m Message) error {
	if m.Role != RoleUser && m.Role != RoleAgent {
		return fmt.Errorf("unsupported role %q", m.Role)
	}
	if len(m.Parts) == 0 {
		return fmt.Errorf("message has no parts")
	}
	for i, p := range m.Parts {
		if p.Type != PartTypeText {
			return fmt.Errorf("part %d: unsupported type %q", i, p.Type)
		}
	}
	return nil
}

// validateTask checks a task body against the envelope that carried it. Results must carry
// a terminal state; requests must be freshly submitted.
func validateTask(task Task, env Envelope, result bool) error {
	if task.ID == "" {
		return fmt.Errorf("%w: task id is empty", ErrMalformedEnvelope)
	}
	if task.From != env.From || task.To != env.To {
		return fmt.Errorf("%w: task header does not match envelope", ErrMalformedEnvelope)
	}
	if !validTaskState(task.State) {
		return fmt.Errorf("%w: unknown task state %q", ErrMalformedEnvelope, task.State)
	}
	if err := validateMessage(task.Message); err != nil {
		return fmt.Errorf("%w: message: %v", ErrMalformedEnvelope, err)
	}
	if !result {
		if task.State != TaskStateSubmitted {
			return fmt.Errorf("%w: request state %q", ErrMalformedEnvelope, task.State)
		}
		return nil
	}
	switch task.State {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled, TaskStateInputRequired:
	default:
		return fmt.Errorf("%w: result state %q", ErrMalformedEnvelope, task.State)
	}
	if task.Result != nil {
		if err := validateMessage(*task.Result); err != nil {
			return fmt.Errorf("%w: result: %v", ErrMalformedEnvelope, err)
		}
	}
	return nil
}
