package concentriq

import (
	"encoding/json"
	"fmt"
)

// APIError is the structured error the Concentriq API returns inside its
// response envelope ({"error": {"status", "name", "code", "message"}}).
type APIError struct {
	Status  int         `json:"status"`
	Name    string      `json:"name"`
	Code    json.Number `json:"code"`
	Message string      `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s [%d] %s", e.Name, e.Status, e.Message)
}
