// Package artifacts collects the chart images produced during a run.
package artifacts

import (
	"sync"

	"github.com/agentoven/analyst/pkg/models"
)

// PNG is the MIME type of every artifact the sandbox renders today.
const PNG = "image/png"

// Accumulator is an append-only, ordered list of artifacts. Identical images
// are kept; pairing charts with narrative sections happens downstream.
type Accumulator struct {
	mu    sync.Mutex
	items []models.Artifact
}

// New returns an empty accumulator.
func New() *Accumulator {
	return &Accumulator{}
}

// Add appends images in production order, tagging each with the round and
// tool call that produced it. It returns the artifacts just added.
func (a *Accumulator) Add(round int, toolCallID string, images ...[]byte) []models.Artifact {
	if len(images) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	start := len(a.items)
	for _, img := range images {
		a.items = append(a.items, models.Artifact{
			Data:       img,
			MIMEType:   PNG,
			Ordinal:    len(a.items) + 1,
			Round:      round,
			ToolCallID: toolCallID,
		})
	}
	return append([]models.Artifact(nil), a.items[start:]...)
}

// Len returns the number of artifacts collected so far.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

// List returns a copy of all artifacts in production order.
func (a *Accumulator) List() []models.Artifact {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.Artifact(nil), a.items...)
}
