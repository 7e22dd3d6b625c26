// Package jobfiles stores the job directories agents push to the server.
package jobfiles
