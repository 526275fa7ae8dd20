package progress

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jmehdipour/enhance-orchestrator/internal/model"
)

// WriteSSE frames ev as one server-sent event named after the job status.
func WriteSSE(w io.Writer, ev model.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Status, data)
	return err
}

// WriteHeartbeat writes an SSE comment that keeps idle connections open.
func WriteHeartbeat(w io.Writer) error {
	_, err := io.WriteString(w, ": ping\n\n")
	return err
}
