package process

import (
	"fmt"
	"strconv"
	"strings"
)

// Signal is an asynchronous notification number, 1 through MaxSignal.
type Signal int

const (
	SIGHUP   Signal = 1
	SIGINT   Signal = 2
	SIGQUIT  Signal = 3
	SIGILL   Signal = 4
	SIGTRAP  Signal = 5
	SIGABRT  Signal = 6
	SIGBUS   Signal = 7
	SIGFPE   Signal = 8
	SIGKILL  Signal = 9
	SIGUSR1  Signal = 10
	SIGSEGV  Signal = 11
	SIGUSR2  Signal = 12
	SIGPIPE  Signal = 13
	SIGALRM  Signal = 14
	SIGTERM  Signal = 15
	SIGCHLD  Signal = 17
	SIGCONT  Signal = 18
	SIGURG   Signal = 23
	SIGWINCH Signal = 28

	MaxSignal Signal = 31
)

var signalNames = map[Signal]string{
	SIGHUP: "SIGHUP", SIGINT: "SIGINT", SIGQUIT: "SIGQUIT", SIGILL: "SIGILL",
	SIGTRAP: "SIGTRAP", SIGABRT: "SIGABRT", SIGBUS: "SIGBUS", SIGFPE: "SIGFPE",
	SIGKILL: "SIGKILL", SIGUSR1: "SIGUSR1", SIGSEGV: "SIGSEGV", SIGUSR2: "SIGUSR2",
	SIGPIPE: "SIGPIPE", SIGALRM: "SIGALRM", SIGTERM: "SIGTERM", SIGCHLD: "SIGCHLD",
	SIGCONT: "SIGCONT", SIGURG: "SIGURG", SIGWINCH: "SIGWINCH",
}

// String implements fmt.Stringer.
func (s Signal) String() string {
	if name, ok := signalNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SIG%d", int(s))
}

// ParseSignal accepts a signal name with or without the SIG prefix, in any
// case, or a decimal number.
func ParseSignal(v string) (Signal, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		sig := Signal(n)
		if !sig.Valid() {
			return 0, fmt.Errorf("%w: %d", ErrInvalidSignal, n)
		}
		return sig, nil
	}
	name := strings.ToUpper(v)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	for sig, n := range signalNames {
		if n == name {
			return sig, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSignal, v)
}

// Valid reports whether s is a deliverable signal number.
func (s Signal) Valid() bool {
	return s >= 1 && s <= MaxSignal
}

// Catchable reports whether a handler may be installed for s.
func (s Signal) Catchable() bool {
	return s.Valid() && s != SIGKILL
}

// Action is what happens to a delivered signal with no handler installed.
type Action int

const (
	ActionTerminate Action = iota
	ActionIgnore
)

// DefaultAction returns the disposition used when no handler is installed.
func (s Signal) DefaultAction() Action {
	switch s {
	case SIGCHLD, SIGCONT, SIGURG, SIGWINCH:
		return ActionIgnore
	}
	return ActionTerminate
}

// Outcome describes what the delivery hook did on one invocation.
type Outcome int

const (
	OutcomeNone      Outcome = iota // nothing pending, or not safe to interrupt
	OutcomeHandler                  // handler sub-context prepared
	OutcomeTerminate                // default action is to terminate the record
	OutcomeIgnored                  // default action is to drop the signal
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeHandler:
		return "handler"
	case OutcomeTerminate:
		return "terminate"
	case OutcomeIgnored:
		return "ignored"
	}
	return "none"
}

// Delivery is the result of HandlePendingSignal.
type Delivery struct {
	Signal  Signal
	Outcome Outcome
}
