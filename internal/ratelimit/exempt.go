package ratelimit

import "strings"

func buildExemptSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func (g *Gate) isExempt(identifier string) bool {
	if g.exempt == nil {
		return false
	}
	_, ok := g.exempt[identifier]
	return ok
}
