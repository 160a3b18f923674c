package domain

// Trunk is an outbound telephony gateway credential set bound to one or more numbers.
type Trunk struct {
	TrunkID         string   `json:"trunk_id"`
	DisplayName     string   `json:"display_name"`
	ProviderAddress string   `json:"provider_address"`
	Numbers         []string `json:"numbers"`
	AuthUsername    string   `json:"auth_username,omitempty"`
	AuthPassword    string   `json:"-"`
}

// HasNumber reports whether number is in the trunk's number set.
func (t *Trunk) HasNumber(number string) bool {
	if t == nil || number == "" {
		return false
	}
	want := Digits(number)
	for _, n := range t.Numbers {
		if n == number || (want != "" && Digits(n) == want) {
			return true
		}
	}
	return false
}

// CreateTrunkRequest describes a new outbound trunk.
type CreateTrunkRequest struct {
	Name         string `json:"name"`
	PhoneNumber  string `json:"phone_number"`
	Address      string `json:"address,omitempty"`
	AuthUsername string `json:"auth_username,omitempty"`
	AuthPassword string `json:"auth_password,omitempty"`
}

// InboundProvisionRequest describes an inbound trunk plus the dispatch rule routing it to an agent.
type InboundProvisionRequest struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	AgentName   string `json:"agent_name"`
}

// InboundProvision is the result of provisioning inbound routing.
type InboundProvision struct {
	TrunkID        string `json:"trunk_id"`
	DispatchRuleID string `json:"dispatch_rule_id"`
	RoomPrefix     string `json:"room_prefix"`
	AgentName      string `json:"agent_name"`
}
