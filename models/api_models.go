package models

// APIError is the JSON error envelope returned by API handlers.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ConnectResult is the initiator response contract: either a URL to redirect
// the browser to, or a structured reason the flow cannot start.
type ConnectResult struct {
	OK                 bool   `json:"ok"`
	URL                string `json:"url,omitempty"`
	Error              string `json:"error,omitempty"`
	NeedsConfiguration bool   `json:"needs_configuration,omitempty"`
	UpgradeRequired    bool   `json:"upgrade_required,omitempty"`
	LimitReached       bool   `json:"limit_reached,omitempty"`
}
