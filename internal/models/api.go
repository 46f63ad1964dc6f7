package models

// API response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// APIResponse is the envelope for every admin API reply.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success wraps a result payload in a success envelope.
func Success(result any) APIResponse {
	return APIResponse{Status: StatusSuccess, Result: result}
}

// SuccessWithMessage wraps a result payload and human-readable message.
func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: StatusSuccess, Message: message, Result: result}
}

// Error builds an error envelope.
func Error(message string) APIResponse {
	return APIResponse{Status: StatusError, Message: message}
}

// TestModeConfig is the admin API body for reconfiguring the outbound guard.
type TestModeConfig struct {
	Enabled   bool     `json:"enabled"`
	AllowList []string `json:"allow_list"`
}
