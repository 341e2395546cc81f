package credits

// Action names an externally triggered operation on a credit.
type Action string

const (
	ActionSubmit        Action = "submit"
	ActionCastBallot    Action = "cast_ballot"
	ActionList          Action = "list"
	ActionUnlist        Action = "unlist"
	ActionPurchase      Action = "purchase"
	ActionRequestExpiry Action = "request_expiry"
	ActionVerifyExpiry  Action = "verify_expiry"
	ActionQuorumLookup  Action = "quorum_lookup"
)

// AllowedTransitions defines the complete lifecycle graph. A state missing
// from the map, or mapped to an empty slice, is terminal.
func AllowedTransitions() map[State][]State {
	return map[State][]State{
		StateCreated:       {StatePendingAudit},
		StatePendingAudit:  {StateAudited, StateRejected},
		StateAudited:       {StateListed},
		StateRejected:      {},
		StateListed:        {StateAudited, StateSold, StatePendingExpiry},
		StateSold:          {StatePendingExpiry},
		StatePendingExpiry: {StateExpired, StateListed, StateSold},
		StateExpired:       {},
	}
}

// CanTransition reports whether the lifecycle graph permits moving a credit
// from one state to another.
func CanTransition(from, to State) bool {
	for _, next := range AllowedTransitions()[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further lifecycle transitions are permitted.
func Terminal(s State) bool {
	return len(AllowedTransitions()[s]) == 0
}

// rolePermissions is the central (role, action) permission table. Role
// checks happen here, once, instead of per endpoint.
var rolePermissions = map[Role]map[Action]bool{
	RoleNGO: {
		ActionSubmit:        true,
		ActionList:          true,
		ActionUnlist:        true,
		ActionRequestExpiry: true,
		ActionQuorumLookup:  true,
	},
	RoleAuditor: {
		ActionCastBallot:   true,
		ActionVerifyExpiry: true,
		ActionQuorumLookup: true,
	},
	RoleBuyer: {
		ActionPurchase:      true,
		ActionRequestExpiry: true,
		ActionQuorumLookup:  true,
	},
}

// Permitted checks the permission table and returns an UnauthorizedError
// naming the actor and action when the role may not perform it.
func Permitted(id Identity, action Action) error {
	if rolePermissions[id.Role][action] {
		return nil
	}
	return &UnauthorizedError{
		Actor:  id.ID,
		Action: string(action),
		Reason: "role " + string(id.Role) + " may not perform this action",
	}
}
