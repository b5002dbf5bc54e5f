package dispatch

// Event names pushed over a user's active connection. The matcher treats the
// gateway as a fire-and-forget sink; delivery failures are logged, never
// fatal to a matching session.
const (
	EventTripOffer     = "trip:offer"
	EventTripSearching = "trip:searching"
	EventTripNoRiders  = "trip:no_riders"
	EventTripAccepted  = "trip:accepted"
	EventTripConfirmed = "trip:confirmed"
)

// Pusher delivers one event to a single user's connection(s).
type Pusher interface {
	Push(userID, event string, payload any) error
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no active connection for user" }
