package api

import "fmt"

// validateCreateSessionRequest validates session creation parameters. Image
// allow-listing itself is enforced downstream by *session.Manager.Create
// (config.IsImageAllowed), so this only rejects malformed requests before
// they reach the container runtime.
func validateCreateSessionRequest(req createSessionRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if len(req.UserID) > 256 {
		return fmt.Errorf("user_id must not exceed 256 characters")
	}
	return nil
}
