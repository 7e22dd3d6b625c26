// Package killsignal delivers kill instructions to the agent running a job.
package killsignal
