package alert

// AlertConfig defines a webhook that receives violation alerts.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // violation kinds, e.g. ["screenshot_attempt", "suspicious_activity"]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp string `json:"timestamp"`
	RoomCode  string `json:"room_code"`
	Kind      string `json:"kind"`
	Type      string `json:"type"` // human label, same string the realtime channel carries
	Message   string `json:"message"`
	Count     int    `json:"count,omitempty"`
	Terminal  bool   `json:"terminal"`
}
