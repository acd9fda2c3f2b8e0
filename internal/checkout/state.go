package checkout

// State is a step of the checkout flow.
type State string

const (
	Idle             State = "idle"
	CollectingInfo   State = "collecting_info"
	AwaitingPayment  State = "awaiting_payment"
	Submitting       State = "submitting"
	Confirmed        State = "confirmed"
	Failed           State = "failed"
	RedirectedToMenu State = "redirected_to_menu"
)

var transitions = map[State][]State{
	Idle:            {CollectingInfo, RedirectedToMenu},
	CollectingInfo:  {AwaitingPayment, Idle},
	AwaitingPayment: {Submitting, Failed, CollectingInfo, RedirectedToMenu, Idle},
	Submitting:      {Confirmed, Failed},
	Failed:          {Submitting, AwaitingPayment, RedirectedToMenu, Idle},
}

// CanTransition reports whether the flow may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the flow has ended.
func (s State) IsTerminal() bool {
	return s == Confirmed || s == RedirectedToMenu
}
