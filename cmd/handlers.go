package cmd

import (
	"context"
	"fmt"

	"jobctl/internal/handler"
)

// RegisterHandlers wires every built-in handler class into registry.
// An operator embedding this module into a real deployment registers
// their own classes here the same way.
func RegisterHandlers(registry *handler.Registry) {
	registry.Register("Echo", func() handler.Base { return &echoHandler{} })
}

// echoHandler is the built-in smoke-test handler: it prints its data
// and succeeds, useful for verifying a fresh worker deployment end to
// end without needing a real job class yet.
type echoHandler struct{}

func (h *echoHandler) Perform(ctx context.Context, jobID string, data any) error {
	fmt.Printf("echo %s: %v\n", jobID, data)
	return nil
}
