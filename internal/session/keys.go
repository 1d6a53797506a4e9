// ABOUTME: External identity key helpers.
// ABOUTME: A CSR and an end user on the same channel never collide in the registry.

package session

// CSRKey returns the registry key for a CSR's server-side session.
func CSRKey(csrID string) string {
	return csrID + "/server"
}

// UserKey returns the registry key for an end user's channel session.
func UserKey(userID string) string {
	return userID + "/endUser"
}
