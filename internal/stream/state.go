package stream

// Status is the connection status of a stream client.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusReconnecting Status = "reconnecting"
)

const (
	MsgStreamInterrupted = "Stream interrupted. Retrying..."
	MsgMaxAttempts       = "Maximum reconnection attempts reached."
)

type State struct {
	Status      Status `json:"status"`
	Error       string `json:"error,omitempty"`
	RetryCount  int    `json:"retryCount"`
	ManualClose bool   `json:"manualClose"`
}

// InitialState is the state before the first connect.
func InitialState() State {
	return State{Status: StatusDisconnected}
}

// Action is an input to Reduce.
type Action interface{ isAction() }

type baseAction struct{}

func (baseAction) isAction() {}

type StartConnect struct{ baseAction }

type ConnectionEstablished struct{ baseAction }

type ConnectionError struct {
	baseAction
	Message string
}

type Retry struct{ baseAction }

type ManualDisconnect struct{ baseAction }

type ManualReconnect struct{ baseAction }

// Reduce applies an action to a state. It has no side effects.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case StartConnect:
		s.Status = StatusConnecting
		s.Error = ""
		s.ManualClose = false
	case ConnectionEstablished:
		s.Status = StatusConnected
		s.Error = ""
		s.RetryCount = 0
	case ConnectionError:
		s.Status = StatusError
		s.Error = a.Message
	case Retry:
		s.Status = StatusReconnecting
		s.RetryCount++
	case ManualDisconnect:
		s.Status = StatusDisconnected
		s.ManualClose = true
		s.RetryCount = 0
	case ManualReconnect:
		s.ManualClose = false
		s.RetryCount = 0
	}
	return s
}

// effectKey is the part of the state whose change reruns the connect effect.
type effectKey struct {
	retryCount  int
	manualClose bool
}

func (s State) effectKey() effectKey {
	return effectKey{retryCount: s.RetryCount, manualClose: s.ManualClose}
}
