package connectivity

// Tristate - булево значение, которое может быть еще не измерено
type Tristate int8

const (
	Unknown Tristate = iota
	False
	True
)

// FromBool converts a measured value
func FromBool(b bool) Tristate {
	if b {
		return True
	}
	return False
}

func (t Tristate) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// ConnectionType is the kind of the active network link
type ConnectionType string

const (
	TypeUnknown  ConnectionType = "unknown"
	TypeNone     ConnectionType = "none"
	TypeWiFi     ConnectionType = "wifi"
	TypeCellular ConnectionType = "cellular"
	TypeEthernet ConnectionType = "ethernet"
)

// Snapshot - последнее известное состояние сети.
// Нулевое значение - "еще не измерено": все Unknown, Type пустой (см. Kind).
type Snapshot struct {
	Type                ConnectionType
	IsConnected         Tristate
	IsInternetReachable Tristate
	IsExpensive         bool
}

// IsOnline is the only field other components should consume.
// Not-yet-measured connectivity counts as offline; unknown reachability on a live link counts as online.
func (s Snapshot) IsOnline() bool {
	return s.IsConnected == True && s.IsInternetReachable != False
}

// Kind returns Type, defaulting to TypeUnknown
func (s Snapshot) Kind() ConnectionType {
	if s.Type == "" {
		return TypeUnknown
	}
	return s.Type
}
