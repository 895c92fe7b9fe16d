package session

import "coolvibeclub/internal/models"

type StateKind int

const (
	NotChecked StateKind = iota
	CheckingToken
	Authenticated
	Unauthenticated
)

func (k StateKind) String() string {
	switch k {
	case NotChecked:
		return "not_checked"
	case CheckingToken:
		return "checking_token"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	}
	return "unknown"
}

// State 是会话的有限状态值，Credential 只在 Authenticated 时有意义。
type State struct {
	Kind       StateKind
	Credential models.Credential
}

func (s State) LoggedIn() bool { return s.Kind == Authenticated }

// allowed 列出合法的状态迁移。
func allowed(from, to StateKind) bool {
	switch from {
	case NotChecked:
		return to == CheckingToken || to == Authenticated || to == Unauthenticated
	case CheckingToken:
		return to == Authenticated || to == Unauthenticated
	case Authenticated:
		return to == Unauthenticated
	case Unauthenticated:
		return to == Authenticated
	}
	return false
}

type EventType int

const (
	StateChanged EventType = iota
	LoggedOut
)

func (t EventType) String() string {
	if t == LoggedOut {
		return "logged_out"
	}
	return "state_changed"
}

// Event 通过 Subscription 广播给订阅者。
type Event struct {
	Type   EventType
	State  State
	Reason string
}
