// ABOUTME: Package queue assigns CSR-driven conversations to CSRs and keeps
// ABOUTME: every party informed of queue positions as membership changes.

// Package queue implements CSR assignment: picking a CSR for a handed-off
// conversation, transferring conversations between CSRs, and broadcasting
// ordered queue views to CSR sessions and position notices to waiting users.
package queue
