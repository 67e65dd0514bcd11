package generation

import (
	"fmt"
	"time"

	"github.com/23skdu/corellm/internal/errs"
)

// State is the lifecycle position of a generation.
type State int32

const (
	Idle State = iota
	Prefilling
	Decoding
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Prefilling:
		return "prefilling"
	case Decoding:
		return "decoding"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

type EventKind int

const (
	TokenEmitted EventKind = iota
	CompletedEvent
	CancelledEvent
	FailedEvent
)

func (k EventKind) String() string {
	switch k {
	case TokenEmitted:
		return "token"
	case CompletedEvent:
		return "completed"
	case CancelledEvent:
		return "cancelled"
	case FailedEvent:
		return "failed"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Reason explains a Completed event.
type Reason string

const (
	ReasonMaxTokens    Reason = "maxTokens"
	ReasonStopSequence Reason = "stopSequence"
	ReasonEndOfText    Reason = "endOfText"
)

// Stats summarizes a finished generation.
type Stats struct {
	PromptTokens    int
	CachedTokens    int
	GeneratedTokens int
	ContextShifts   int
	PrefillDuration time.Duration
	DecodeDuration  time.Duration
}

// TokensPerSecond is the decode throughput.
func (s Stats) TokensPerSecond() float64 {
	if s.DecodeDuration <= 0 {
		return 0
	}
	return float64(s.GeneratedTokens) / s.DecodeDuration.Seconds()
}

// Event is one item of a generation's stream. Token is -1 on a
// TokenEmitted event that only flushes held-back text.
type Event struct {
	Kind    EventKind
	Text    string
	Token   int
	Reason  Reason
	Err     error
	ErrKind errs.Kind
	Stats   *Stats
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool { return e.Kind != TokenEmitted }

func (e Event) String() string {
	switch e.Kind {
	case TokenEmitted:
		return fmt.Sprintf("token(%d, %q)", e.Token, e.Text)
	case CompletedEvent:
		return fmt.Sprintf("completed(%s)", e.Reason)
	case FailedEvent:
		return fmt.Sprintf("failed(%s: %v)", e.ErrKind, e.Err)
	}
	return e.Kind.String()
}
