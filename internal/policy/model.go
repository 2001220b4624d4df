// Package policy evaluates access requests against the persisted policy graph
// using casbin.
package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/casbin/casbin/v2/model"
)

// inlineModel is the fixed matcher grammar: the subject must hold role in the
// organization, the role must be bound to the portal group, and some allow
// tuple for role (or a role it inherits inside that portal group) must cover
// the resource/action pair.
const inlineModel = `
[request_definition]
r = sub, obj, act, org, portal, role

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _, _
g2 = _, _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, r.role, r.org) && portalBound(r.role, r.portal) && g2(r.role, p.sub, r.portal) && r.obj == p.obj && r.act == p.act
`

// ModelSource yields the casbin model used for every rebuild.
type ModelSource interface {
	Load() (model.Model, error)
	Describe() string
}

type fileSource struct {
	path string
}

// FromFile reads the model from a casbin .conf file.
func FromFile(path string) ModelSource {
	return fileSource{path: path}
}

func (s fileSource) Load() (model.Model, error) {
	m, err := model.NewModelFromFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("policy: load model %s: %w", s.path, err)
	}
	return m, nil
}

func (s fileSource) Describe() string {
	return "file:" + s.path
}

type inlineSource struct{}

// FromInlineDefault uses the built-in model.
func FromInlineDefault() ModelSource {
	return inlineSource{}
}

func (inlineSource) Load() (model.Model, error) {
	m, err := model.NewModelFromString(inlineModel)
	if err != nil {
		return nil, fmt.Errorf("policy: load inline model: %w", err)
	}
	return m, nil
}

func (inlineSource) Describe() string {
	return "inline"
}

// SelectModelSource picks the file source when path names a readable file and
// falls back to the inline model otherwise. The choice is made once, at startup,
// and the chosen source is validated before returning.
func SelectModelSource(path string, logger *slog.Logger) (ModelSource, error) {
	var source ModelSource = FromInlineDefault()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			source = FromFile(path)
		} else if logger != nil {
			logger.Warn("policy model file unavailable, using inline model", slog.String("path", path), slog.Any("error", err))
		}
	}
	m, err := source.Load()
	if err != nil {
		return nil, err
	}
	if err := checkModel(m); err != nil {
		return nil, err
	}
	return source, nil
}

var errMissingSection = errors.New("policy: model lacks required section")

// checkModel makes sure a file-provided model keeps the request shape Allowed relies on.
func checkModel(m model.Model) error {
	for _, sec := range []struct{ sec, key string }{{"r", "r"}, {"p", "p"}, {"g", "g"}, {"g", "g2"}, {"m", "m"}} {
		if _, ok := m[sec.sec][sec.key]; !ok {
			return fmt.Errorf("%w: %s.%s", errMissingSection, sec.sec, sec.key)
		}
	}
	if tokens := m["r"]["r"].Tokens; len(tokens) != 6 {
		return fmt.Errorf("policy: request definition needs 6 fields, got %d", len(tokens))
	}
	return nil
}
