package httpHandler

// ApiResponse is the REST envelope shared with the dashboard and TUI.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(data any) ApiResponse {
	return ApiResponse{Success: true, Data: data}
}

func fail(message string) ApiResponse {
	return ApiResponse{Success: false, Error: message}
}
