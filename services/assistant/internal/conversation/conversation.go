package conversation

import (
	"context"
	"errors"
)

type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

type Turn struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

var ErrInvalidSpeaker = errors.New("invalid speaker")

// Session is the turn log of one user. Appends are atomic per session.
type Session interface {
	UserID() string
	Append(ctx context.Context, speaker Speaker, text string) error
	// AppendExchange records a question and its answer together: both turns
	// land or neither does.
	AppendExchange(ctx context.Context, question, answer string) error
	History(ctx context.Context) ([]Turn, error)
}

type Store interface {
	// GetOrCreate returns the session for userID, creating it on first use.
	// Handles returned for the same id observe each other's appends.
	GetOrCreate(ctx context.Context, userID string) (Session, error)
	Delete(ctx context.Context, userID string) error
}

func validSpeaker(s Speaker) bool {
	return s == SpeakerUser || s == SpeakerAssistant
}

// evenCap keeps caps aligned to whole exchanges.
func evenCap(maxTurns int) int {
	if maxTurns < 2 {
		return 2
	}
	return maxTurns &^ 1
}
