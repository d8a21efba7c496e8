// Package verifier decides which specialist verifiers a directive needs and
// whether their current verdicts let it move on.
package verifier

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"gateline/internal/config"
	"gateline/internal/domain"
)

// Requirement sources.
const (
	SourceType    = "type"
	SourceKeyword = "keyword"
)

// Requirement is one verifier a directive must satisfy.
type Requirement struct {
	Code     string       `json:"code"`
	Gate     domain.Phase `json:"gate"`
	Waivable bool         `json:"waivable"`
	Source   string       `json:"source"`
}

// Registry is the rule table mapping directive type and scope keywords to verifiers.
type Registry struct {
	codes    map[string]config.VerifierCode
	types    map[string][]string
	keywords map[string][]string
}

// NewRegistry builds a registry from the verifiers section of the config.
func NewRegistry(cfg config.VerifiersConfig) Registry {
	return Registry{codes: cfg.Codes, types: cfg.Types, keywords: cfg.Keywords}
}

// Required returns the verifiers for a directive, type rules first then keyword
// matches, each code once, sorted by code.
func (r Registry) Required(directiveType, scope string) []Requirement {
	seen := map[string]Requirement{}
	for _, code := range r.types[directiveType] {
		if req, ok := r.requirement(code, SourceType); ok {
			seen[code] = req
		}
	}
	words := tokenize(scope)
	for code, kws := range r.keywords {
		if _, ok := seen[code]; ok {
			continue
		}
		for _, kw := range kws {
			if words[strings.ToLower(kw)] {
				if req, ok := r.requirement(code, SourceKeyword); ok {
					seen[code] = req
				}
				break
			}
		}
	}
	res := make([]Requirement, 0, len(seen))
	for _, req := range seen {
		res = append(res, req)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Code < res[j].Code })
	return res
}

// Known reports whether the code is a configured verifier.
func (r Registry) Known(code string) bool {
	_, ok := r.codes[code]
	return ok
}

func (r Registry) requirement(code, source string) (Requirement, bool) {
	vc, ok := r.codes[code]
	if !ok {
		return Requirement{}, false
	}
	return Requirement{Code: code, Gate: domain.Phase(vc.Gate), Waivable: vc.Waivable, Source: source}, true
}

func tokenize(s string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}
	return words
}

// Resolved reports whether a current verdict lets a gate pass.
func Resolved(v domain.Verdict, warningBlocks bool) bool {
	switch v {
	case domain.VerdictPass:
		return true
	case domain.VerdictWarning:
		return !warningBlocks
	}
	return false
}

// Satisfied checks every non-waivable requirement against the current verdicts.
// A missing verdict counts as pending. Reasons name each blocking verifier.
func Satisfied(reqs []domain.VerifierRequirement, current map[string]domain.Verdict, warningBlocks bool) (bool, []string) {
	var reasons []string
	for _, req := range reqs {
		if req.Waivable {
			continue
		}
		v, ok := current[req.Code]
		if !ok {
			v = domain.VerdictPending
		}
		if Resolved(v, warningBlocks) {
			continue
		}
		switch v {
		case domain.VerdictFail:
			reasons = append(reasons, fmt.Sprintf("%s verifier failed", req.Code))
		case domain.VerdictWarning:
			reasons = append(reasons, fmt.Sprintf("%s verifier warning blocks this directive type", req.Code))
		default:
			reasons = append(reasons, fmt.Sprintf("%s verifier pending", req.Code))
		}
	}
	return len(reasons) == 0, reasons
}

// GatedOn returns the requirements that gate leaving phase.
func GatedOn(reqs []domain.VerifierRequirement, phase domain.Phase) []domain.VerifierRequirement {
	var res []domain.VerifierRequirement
	for _, req := range reqs {
		if req.GatePhase == phase {
			res = append(res, req)
		}
	}
	return res
}
