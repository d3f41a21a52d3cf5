package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/text-remover/internal/handler"
)

func newInvokeCmd() *cobra.Command {
	var (
		variant   string
		eventPath string
		requestID string
	)

	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Run one handler on a runtime event and print the response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Logs go to stderr so stdout carries only the response.
			cfg, log, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}

			h, ok := a.handlers[variant]
			if !ok {
				return fmt.Errorf("unknown variant %q (want %s or %s)", variant, variantSingle, variantFallback)
			}

			ev, err := readEvent(cmd.InOrStdin(), eventPath)
			if err != nil {
				return err
			}

			resp := h.Handle(cmd.Context(), handler.Invocation{RequestID: requestID, FunctionName: variant}, ev)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}

	cmd.Flags().StringVar(&variant, "variant", variantFallback, "Handler to run: "+variantSingle+" or "+variantFallback)
	cmd.Flags().StringVar(&eventPath, "event", "-", "Path to the event JSON, - for stdin")
	cmd.Flags().StringVar(&requestID, "request-id", "", "Request id, generated when empty")

	return cmd
}

func readEvent(stdin io.Reader, path string) (handler.Event, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return handler.Event{}, fmt.Errorf("read event: %w", err)
	}

	var ev handler.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return handler.Event{}, fmt.Errorf("decode event: %w", err)
	}

	return ev, nil
}
