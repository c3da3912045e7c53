// Package kalpana is the Go client for the kalpana-core socket. Front ends
// (shell, UI, launchers) use it to open a session and submit structured
// action requests.
//
// Usage:
//
//	c, err := kalpana.Dial(ctx, "/run/kalpana/core.sock", kalpana.WithClientName("kalpana-shell"))
//	resp, err := c.Do(ctx, "read_file", map[string]string{"path": "/home/me/notes.txt"})
//	if resp.Status == kalpana.StatusPending {
//	    final, err := c.Await(ctx, resp.CorrelationID)
//	}
//
// Requests on one client are sent one at a time with consecutive
// session_seq values; asynchronous confirmation results arrive as
// notifications.
package kalpana
