package server

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Model     string `json:"model"`
	Sessions  int    `json:"sessions"`
	Version   string `json:"version,omitempty"`
	TimeStamp int64  `json:"timestamp"`
}

// uploadRequest is the JSON alternative to a multipart upload. DataURL is
// what FileReader.readAsDataURL produces in the browser.
type uploadRequest struct {
	Name    string `json:"name"`
	DataURL string `json:"dataUrl"`
}
