// Copyright 2024 The ledgerd Authors
// This file is part of the ledgerd library.
//
// The ledgerd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ledgerd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ledgerd library. If not, see <http://www.gnu.org/licenses/>.

package hdsigner

import (
	"context"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/console/prompt"
	"github.com/fatih/color"
)

// Approver decides whether a request may be signed.
type Approver interface {
	Approve(ctx context.Context, summary *Summary) (bool, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, summary *Summary) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, summary *Summary) (bool, error) {
	return f(ctx, summary)
}

var (
	// AutoApprove accepts every request.
	AutoApprove = ApproverFunc(func(context.Context, *Summary) (bool, error) { return true, nil })

	// AutoReject declines every request.
	AutoReject = ApproverFunc(func(context.Context, *Summary) (bool, error) { return false, nil })
)

// ConsoleApprover prints a summary and asks for confirmation on the
// terminal.
type ConsoleApprover struct {
	Prompter prompt.UserPrompter
	Out      io.Writer
}

// NewConsoleApprover prompts on stdin and writes summaries to stdout.
func NewConsoleApprover() *ConsoleApprover {
	return &ConsoleApprover{Prompter: prompt.Stdin, Out: color.Output}
}

var (
	titleColor = color.New(color.FgCyan, color.Bold)
	labelColor = color.New(color.FgYellow)
)

func (c *ConsoleApprover) Approve(ctx context.Context, summary *Summary) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	titleColor.Fprintf(out, "\n%s\n", summary.Title)
	if len(summary.Path) > 0 {
		labelColor.Fprintf(out, "  %-14s", "Account")
		io.WriteString(out, summary.Signer.Hex()+" ("+summary.Path.String()+")\n")
	}
	for _, line := range summary.Lines {
		labelColor.Fprintf(out, "  %-14s", line.Label)
		io.WriteString(out, line.Value+"\n")
	}
	return c.Prompter.PromptConfirm("Approve?")
}
