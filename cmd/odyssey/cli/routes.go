package cli

import (
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

// RoutesValidateSummary describes the JSON response for routes validate.
type RoutesValidateSummary struct {
	OK          bool     `json:"ok"`
	Routes      int      `json:"routes"`
	Permissions int      `json:"permissions"`
	Problems    []string `json:"problems"`
}

// ValidateRoutesCommand checks that every route permission and every core
// permission resolves to a resource/action pair.
func (c *AuthzCLI) ValidateRoutesCommand(out Output) int {
	out.defaults()
	summary := RoutesValidateSummary{
		Routes:      len(c.routes.Routes()),
		Permissions: len(c.routes.Permissions()),
		Problems:    []string{},
	}
	if err := c.routes.Validate(); err != nil {
		summary.Problems = flatten(err)
	}
	summary.OK = len(summary.Problems) == 0

	if out.JSONOutput {
		if err := json.NewEncoder(out.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(out.Stderr, "routes validate: encode json: %v\n", err)
			return ExitFailure
		}
	} else {
		renderRoutesHuman(out.Stdout, summary)
	}
	if !summary.OK {
		return ExitConfigGap
	}
	return ExitOK
}

func renderRoutesHuman(w io.Writer, s RoutesValidateSummary) {
	_, _ = fmt.Fprintf(w, "%d routes, %d permissions\n", s.Routes, s.Permissions)
	if s.OK {
		_, _ = fmt.Fprintln(w, "route map OK")
		return
	}
	_, _ = fmt.Fprintf(w, "%d problems:\n", len(s.Problems))
	for _, p := range s.Problems {
		_, _ = fmt.Fprintf(w, "  - %s\n", p)
	}
}

func flatten(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
