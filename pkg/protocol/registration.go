package protocol

// ServiceRegistration is the params shape of gateway.register.
// Unique by Service name; lifetime is one transport connection.
type ServiceRegistration struct {
	Service       string   `json:"service"`
	Methods       []string `json:"methods,omitempty"`
	Events        []string `json:"events,omitempty"`
	Subscriptions []string `json:"subscriptions,omitempty"`
	Version       string   `json:"version,omitempty"`
}

// RoutingSnapshot is the payload of a successful gateway.register response.
type RoutingSnapshot struct {
	Services []string `json:"services"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
}
