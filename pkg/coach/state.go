package coach

import "errors"

// SessionState is the user-visible session state.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateListening  SessionState = "listening"
	StateProcessing SessionState = "processing"
	StateError      SessionState = "error"
)

var (
	// ErrSessionActive is returned by StartSession while a session runs.
	ErrSessionActive = errors.New("coach: session already active")

	// ErrNoSession is returned by StopSession when nothing is running.
	ErrNoSession = errors.New("coach: no active session")
)

// Notice is a transient system message shown in the history.
type Notice int

const (
	NoticeWelcome Notice = iota
	NoticeListening
	NoticeProcessing
	NoticeError
	NoticeStartFailure
)

var noticeText = map[Notice]string{
	NoticeWelcome:      "Appuyez sur le micro pour commencer à décrire votre repas.",
	NoticeListening:    "Je vous écoute...",
	NoticeProcessing:   "Le coach analyse votre repas...",
	NoticeError:        "Une erreur est survenue. Veuillez réessayer.",
	NoticeStartFailure: "Impossible de démarrer la session. Vérifiez votre clé API et les permissions du micro.",
}

// Text returns the French message shown for n.
func (n Notice) Text() string { return noticeText[n] }
