package monitor

import "esp32-tools/internal/domain"

// EventMsg wraps a relay event delivered to the program.
type EventMsg struct {
	Event domain.Event
}

type relayClosedMsg struct{}

type statusTickMsg struct{}

type portsMsg struct {
	ports []domain.PortCandidate
	err   error
}

type actionDoneMsg struct {
	action string
	text   string
	err    error
}
