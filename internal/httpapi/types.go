package httpapi

// StatusResponse describes the device for the local debug surface.
type StatusResponse struct {
	Board     string `json:"board"`
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	SleepOK   bool   `json:"sleep_ok"`
	LoggedIn  bool   `json:"logged_in"`
	User      string `json:"user,omitempty"`
}

// ToolInfo is one registry entry in the tools listing.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// WakeRequest simulates a spoken wake word.
type WakeRequest struct {
	WakeWord string `json:"wake_word"`
}
