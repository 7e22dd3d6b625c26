// Package filestream serves on-demand reads of files that live on remote agents.
//
// Each agent opens a control stream and pushes its job directory manifest on
// it. A read request for a file listed in the manifest allocates a transfer,
// sends a file request down the control stream and returns a Resource whose
// reader is fed by the chunks the agent streams back on a separate Transmit
// stream.
//
// Transfers live in a pending registry until their first chunk arrives and in
// an in-progress registry afterwards. A transfer that does not start within the
// begin timeout, or that stops making progress, is failed and its reader sees
// the error.
package filestream
