package message

// ParseType normalizes a message type string. Empty selects TypeChat;
// unknown values report false.
func ParseType(s string) (Type, bool) {
	switch Type(s) {
	case "":
		return TypeChat, true
	case TypeChat, TypeStatus, TypeQuery, TypeResponse, TypeAlert, TypeSystem:
		return Type(s), true
	default:
		return "", false
	}
}

// ParsePriority normalizes a priority string. Empty selects
// PriorityNormal; unknown values report false.
func ParsePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case "":
		return PriorityNormal, true
	case PriorityLow, PriorityNormal, PriorityHigh:
		return Priority(s), true
	default:
		return "", false
	}
}
