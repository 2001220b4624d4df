package cli

import (
	"context"
	"fmt"
	"strings"
)

// ImportOptions defines available flags for the policy import command.
type ImportOptions struct {
	Path string
	Output
}

// ImportCommand replaces the stored policy with the rules of a casbin CSV file.
func (c *AuthzCLI) ImportCommand(ctx context.Context, opts ImportOptions) int {
	opts.defaults()
	if c.importer == nil {
		_, _ = fmt.Fprintf(opts.Stderr, "policy import: %v\n", ErrMissingDependency)
		return ExitFailure
	}
	if strings.TrimSpace(opts.Path) == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "policy import: file path is required")
		return ExitFailure
	}
	n, err := c.importer.ImportFile(ctx, opts.Path)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "policy import: %v\n", err)
		return ExitFailure
	}
	_, _ = fmt.Fprintf(opts.Stdout, "imported %d rules from %s\n", n, opts.Path)
	return ExitOK
}
