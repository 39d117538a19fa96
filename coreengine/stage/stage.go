// Package stage derives the conversation stage from the utterance ledger and
// computes the single allowed next response.
package stage

// Stage is the position of a session in the qualification funnel.
// It is derived on every turn, never stored.
type Stage string

const (
	Greeting           Stage = "GREETING"
	AwaitName          Stage = "AWAIT_NAME"
	AwaitBusiness      Stage = "AWAIT_BUSINESS"
	AwaitGoal          Stage = "AWAIT_GOAL"
	AwaitBudget        Stage = "AWAIT_BUDGET"
	AwaitEmail         Stage = "AWAIT_EMAIL"
	OfferingSlots      Stage = "OFFERING_SLOTS"
	AwaitSlotSelection Stage = "AWAIT_SLOT_SELECTION"
	Confirming         Stage = "CONFIRMING"
	Completed          Stage = "COMPLETED"
	Escalating         Stage = "ESCALATING"
)

// Order is the linear funnel. Escalating sits outside it.
var Order = []Stage{
	Greeting,
	AwaitName,
	AwaitBusiness,
	AwaitGoal,
	AwaitBudget,
	AwaitEmail,
	OfferingSlots,
	AwaitSlotSelection,
	Confirming,
	Completed,
}

// Index returns the position of s in Order, or -1 for Escalating and
// unknown values.
func (s Stage) Index() int {
	for i, o := range Order {
		if o == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s == Escalating || s.Index() >= 0
}

// IsTerminal reports whether no further data is collected in s.
func (s Stage) IsTerminal() bool { return s == Completed }

// NextAction names what the system should do next.
type NextAction string

const (
	ActionGreet       NextAction = "send_greeting"
	ActionAskName     NextAction = "ask_name"
	ActionAskBusiness NextAction = "ask_business"
	ActionAskGoal     NextAction = "ask_goal"
	ActionAskBudget   NextAction = "ask_budget"
	ActionAskEmail    NextAction = "ask_email"
	ActionOfferSlots  NextAction = "offer_slots"
	ActionAwaitSlot   NextAction = "await_slot_selection"
	ActionConfirm     NextAction = "confirm_appointment"
	ActionClose       NextAction = "close_conversation"
	ActionHandToHuman NextAction = "hand_to_human"
)

var nextActions = map[Stage]NextAction{
	Greeting:           ActionGreet,
	AwaitName:          ActionAskName,
	AwaitBusiness:      ActionAskBusiness,
	AwaitGoal:          ActionAskGoal,
	AwaitBudget:        ActionAskBudget,
	AwaitEmail:         ActionAskEmail,
	OfferingSlots:      ActionOfferSlots,
	AwaitSlotSelection: ActionAwaitSlot,
	Confirming:         ActionConfirm,
	Completed:          ActionClose,
	Escalating:         ActionHandToHuman,
}

// NextActionFor returns the next action of a stage.
func NextActionFor(s Stage) NextAction { return nextActions[s] }

// ForbiddenActions is advisory. Response assembly passes it to the roles; it
// is not enforced here.
var ForbiddenActions = []string{
	"never re-ask for data already collected",
	"never re-greet after the greeting",
	"never treat a business answer as a name",
	"never offer appointment slots before the email is collected",
	"never invent prices, discounts or availability",
}
