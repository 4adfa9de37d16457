package middleware

import (
	"fmt"
	"path"
	"strings"

	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/envelope"
	log "github.com/sirupsen/logrus"
)

// pathFilter admits requests whose sub-path matches one of the
// configured rules. A miss does not error: the backend stage is skipped
// and an empty 404 response is synthesized in its place.
type pathFilter struct {
	base
	rules []string
}

func newPathFilter(name string, options map[string]any, _ *config.Config) (Middleware, error) {
	var rules []string
	if list, ok := options["rules"].([]any); ok {
		for _, r := range list {
			if s, isStr := r.(string); isStr {
				rules = append(rules, s)
			}
		}
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("path_filter %q has no rules", name)
	}
	logInstance("path_filter", name)
	return &pathFilter{base: base{name: name}, rules: rules}, nil
}

func (f *pathFilter) Left(req *envelope.JSONRequest) (*envelope.JSONRequest, error) {
	var sub = "/" + strings.TrimPrefix(req.Meta("path"), "/")
	for _, rule := range f.rules {
		if matchRule(rule, sub) {
			return req, nil
		}
	}

	log.WithFields(log.Fields{
		"middleware": f.name,
		"path":       sub,
	}).Debug("path filter rejected request")
	req.SetMeta(envelope.MetaSkipBackends, "true")
	req.SetMeta("response_status", "404")
	req.SetMeta("response_body", "")
	return req, nil
}

// matchRule accepts a path when it equals the rule, lives under it, or
// matches it as a shell pattern.
func matchRule(rule, sub string) bool {
	rule = "/" + strings.TrimPrefix(rule, "/")
	if sub == rule || strings.HasPrefix(sub, rule+"/") {
		return true
	}
	if ok, err := path.Match(rule, sub); err == nil && ok {
		return true
	}
	return false
}
