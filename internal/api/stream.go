package api

import (
	"fmt"
	"net/http"
	"strings"
)

// sendSSEEvent writes one Server-Sent Event and flushes it. Multi-line
// payloads get a "data:" prefix per line so a newline in the payload
// cannot forge an event boundary.
func sendSSEEvent(w http.ResponseWriter, event, data string) bool {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return false
	}
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
	flusher.Flush()
	return true
}

// sendSSEError sends an error event.
func sendSSEError(w http.ResponseWriter, errMsg string) {
	sendSSEEvent(w, "error", errMsg)
}
