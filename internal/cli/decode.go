package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/convsync/internal/protocol"
)

// DecodedEnvelope is a validated envelope with its classification.
type DecodedEnvelope struct {
	ID        string         `json:"id,omitempty"`
	Index     int64          `json:"index"`
	CID       string         `json:"cid"`
	From      string         `json:"from,omitempty"`
	Type      string         `json:"type"`
	Kind      string         `json:"kind"`
	Known     bool           `json:"known"`
	Timestamp time.Time      `json:"timestamp"`
	TID       string         `json:"tid,omitempty"`
	Body      map[string]any `json:"body"`
}

// WriteText implements textWriter.
func (d DecodedEnvelope) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "type:      %s (%s)\n", d.Type, d.Kind)
	fmt.Fprintf(w, "cid:       %s\n", d.CID)
	if d.ID != "" {
		fmt.Fprintf(w, "id:        %s\n", d.ID)
	}
	if d.From != "" {
		fmt.Fprintf(w, "from:      %s\n", d.From)
	}
	if !d.Timestamp.IsZero() {
		fmt.Fprintf(w, "timestamp: %s\n", d.Timestamp.Format(time.RFC3339Nano))
	}
	if d.TID != "" {
		fmt.Fprintf(w, "tid:       %s\n", d.TID)
	}
	body, err := json.Marshal(d.Body)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "body:      %s\n", body)
	return err
}

// NewDecodeCommand creates the decode command.
func NewDecodeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decode [file]",
		Short: "Validate and decode a raw event envelope",
		Long: `Validate a raw JSON envelope the way the client does when it arrives
from the push channel, and print it decoded.

Membership, receipt and delete bodies are checked too. Reads stdin when no
file (or "-") is given. Exits 1 when the envelope is malformed.

Examples:
  convsync decode envelope.json
  echo '{"cid":"CON-1","id":3,"type":"text","body":{"text":"hi"}}' | convsync decode`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			return runDecode(rootOpts, path, cmd)
		},
	}
}

func runDecode(opts *RootOptions, path string, cmd *cobra.Command) error {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read envelope", err)
	}

	env, err := protocol.Decode(raw)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid envelope", err)
	}
	if err := checkBody(env); err != nil {
		return WrapExitError(ExitFailure, "invalid envelope", err)
	}

	return opts.formatter(cmd).Success(DecodedEnvelope{
		ID:        env.ID,
		Index:     env.Index(),
		CID:       env.CID,
		From:      env.From,
		Type:      string(env.Type),
		Kind:      env.Type.Kind().String(),
		Known:     env.Type.Known(),
		Timestamp: env.Timestamp,
		TID:       env.TID,
		Body:      env.Body,
	})
}

// checkBody decodes the body the engine will need for env's kind.
func checkBody(env protocol.Envelope) error {
	var err error
	switch env.Type.Kind() {
	case protocol.KindMembership:
		_, err = env.MemberBody()
	case protocol.KindReceipt:
		_, err = env.ReceiptBody()
	case protocol.KindDelete:
		_, err = env.DeleteBody()
	}
	return err
}
