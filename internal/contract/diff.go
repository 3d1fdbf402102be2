package contract

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Severity grades the compatibility impact of a contract change. The zero
// value means no change.
type Severity int

const (
	SeverityNone Severity = iota
	Cosmetic
	Safe
	Risky
	Breaking
)

func (s Severity) String() string {
	switch s {
	case Cosmetic:
		return "COSMETIC"
	case Safe:
		return "SAFE"
	case Risky:
		return "RISKY"
	case Breaking:
		return "BREAKING"
	}
	return "NONE"
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Delta is one classified difference between two contracts.
type Delta struct {
	Field       string   `json:"field"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// DiffResult is the outcome of Diff.
type DiffResult struct {
	Deltas                []Delta  `json:"deltas"`
	MaxSeverity           Severity `json:"maxSeverity"`
	IsBackwardsCompatible bool     `json:"isBackwardsCompatible"`
	DigestChanged         bool     `json:"digestChanged"`
}

type differ struct {
	deltas []Delta
}

func (d *differ) add(field string, sev Severity, format string, args ...any) {
	d.deltas = append(d.deltas, Delta{Field: field, Severity: sev, Description: fmt.Sprintf(format, args...)})
}

// Diff compares two contracts of the same tool. Deltas are ordered by
// severity, most severe first, and keep detection order within a severity.
func Diff(before, after ToolContract) DiffResult {
	d := &differ{}
	d.surface(before.Surface, after.Surface)
	d.behavior(before.Behavior, after.Behavior)
	d.economics(before.TokenEconomics, after.TokenEconomics)
	d.entitlements(before.Entitlements, after.Entitlements)

	sort.SliceStable(d.deltas, func(i, j int) bool {
		return d.deltas[i].Severity > d.deltas[j].Severity
	})

	res := DiffResult{
		Deltas:        d.deltas,
		DigestChanged: ComputeDigest(before).Digest != ComputeDigest(after).Digest,
	}
	if res.Deltas == nil {
		res.Deltas = []Delta{}
	}
	if len(d.deltas) > 0 {
		res.MaxSeverity = d.deltas[0].Severity
	}
	res.IsBackwardsCompatible = res.MaxSeverity != Breaking
	return res
}

func (d *differ) surface(b, a Surface) {
	if b.Name != a.Name {
		d.add("surface.name", Breaking, "tool renamed from %q to %q", b.Name, a.Name)
	}
	if b.Description != a.Description {
		d.add("surface.description", Cosmetic, "description changed")
	}
	if b.InputSchemaDigest != a.InputSchemaDigest {
		d.add("surface.inputSchemaDigest", Breaking, "input schema changed")
	}

	added, removed := setDiff(b.Tags, a.Tags)
	switch {
	case len(removed) > 0:
		d.add("surface.tags", Safe, "tags removed: %s", strings.Join(removed, ", "))
	case len(added) > 0:
		d.add("surface.tags", Cosmetic, "tags added: %s", strings.Join(added, ", "))
	}

	for _, key := range unionKeys(b.Actions, a.Actions) {
		ba, hadBefore := b.Actions[key]
		aa, hasAfter := a.Actions[key]
		field := "surface.actions." + key
		switch {
		case !hasAfter:
			d.add(field, Breaking, "action %q removed", key)
		case !hadBefore:
			d.add(field, Safe, "action %q added", key)
		default:
			d.action(field, key, ba, aa)
		}
	}
}

func (d *differ) action(field, key string, b, a ActionContract) {
	if b.Description != a.Description {
		d.add(field+".description", Cosmetic, "description of %q changed", key)
	}
	if b.Destructive != a.Destructive {
		d.add(field+".destructive", Breaking, "destructive of %q changed from %t to %t", key, b.Destructive, a.Destructive)
	}
	if b.ReadOnly != a.ReadOnly {
		d.add(field+".readOnly", Breaking, "readOnly of %q changed from %t to %t", key, b.ReadOnly, a.ReadOnly)
	}
	if b.Idempotent != a.Idempotent {
		d.add(field+".idempotent", Risky, "idempotent of %q changed from %t to %t", key, b.Idempotent, a.Idempotent)
	}

	added, removed := setDiff(b.RequiredFields, a.RequiredFields)
	for _, f := range added {
		d.add(field+".requiredFields", Breaking, "%q now requires %q", key, f)
	}
	for _, f := range removed {
		d.add(field+".requiredFields", Safe, "%q no longer requires %q", key, f)
	}

	if b.InputSchemaDigest != a.InputSchemaDigest {
		d.add(field+".inputSchemaDigest", Risky, "input schema of %q changed", key)
	}

	switch {
	case b.PresenterName == a.PresenterName:
	case b.PresenterName != "" && a.PresenterName == "":
		d.add(field+".presenterName", Breaking, "presenter %q removed from %q", b.PresenterName, key)
	default:
		d.add(field+".presenterName", Risky, "presenter of %q changed to %q", key, a.PresenterName)
	}
}

func (d *differ) behavior(b, a Behavior) {
	if !eqPtr(b.EgressSchemaDigest, a.EgressSchemaDigest) {
		d.add("behavior.egressSchemaDigest", Breaking, "egress schema changed")
	}
	if !eqPtr(b.SystemRulesFingerprint, a.SystemRulesFingerprint) {
		d.add("behavior.systemRulesFingerprint", Breaking, "system rules changed")
	}

	bl, al := b.Guardrails.AgentLimitMax, a.Guardrails.AgentLimitMax
	switch {
	case bl == nil && al == nil:
	case al == nil:
		d.add("behavior.guardrails.agentLimitMax", Risky, "agent limit %d removed", *bl)
	case bl == nil:
		d.add("behavior.guardrails.agentLimitMax", Safe, "agent limit %d added", *al)
	case *al < *bl:
		d.add("behavior.guardrails.agentLimitMax", Safe, "agent limit tightened from %d to %d", *bl, *al)
	case *al > *bl:
		d.add("behavior.guardrails.agentLimitMax", Risky, "agent limit loosened from %d to %d", *bl, *al)
	}

	be, ae := b.Guardrails.EgressMaxBytes, a.Guardrails.EgressMaxBytes
	switch {
	case be == nil && ae == nil:
	case ae == nil:
		d.add("behavior.guardrails.egressMaxBytes", Risky, "egress limit %d removed", *be)
	case be == nil:
		d.add("behavior.guardrails.egressMaxBytes", Safe, "egress limit %d added", *ae)
	case *ae < *be:
		d.add("behavior.guardrails.egressMaxBytes", Safe, "egress limit tightened from %d to %d", *be, *ae)
	case *ae > *be:
		d.add("behavior.guardrails.egressMaxBytes", Risky, "egress limit loosened from %d to %d", *be, *ae)
	}

	if b.MiddlewareFingerprint != a.MiddlewareFingerprint {
		d.add("behavior.middlewareFingerprint", Risky, "middleware chain changed")
	}
	if !eqPtr(b.StateSyncFingerprint, a.StateSyncFingerprint) {
		d.add("behavior.stateSyncFingerprint", Risky, "state sync policy changed")
	}
	if !eqPtr(b.ConcurrencyFingerprint, a.ConcurrencyFingerprint) {
		d.add("behavior.concurrencyFingerprint", Risky, "concurrency limits changed")
	}
	if mustHash(b.AffordanceTopology) != mustHash(a.AffordanceTopology) {
		d.add("behavior.affordanceTopology", Risky, "suggested actions changed")
	}
	if strings.Join(b.EmbeddedPresenters, "\x00") != strings.Join(a.EmbeddedPresenters, "\x00") {
		d.add("behavior.embeddedPresenters", Risky, "embedded presenters changed")
	}
}

func (d *differ) economics(b, a TokenEconomics) {
	switch br, ar := b.InflationRisk.rank(), a.InflationRisk.rank(); {
	case ar > br:
		d.add("tokenEconomics.inflationRisk", Breaking, "inflation risk escalated from %s to %s", b.InflationRisk, a.InflationRisk)
	case ar < br:
		d.add("tokenEconomics.inflationRisk", Safe, "inflation risk de-escalated from %s to %s", b.InflationRisk, a.InflationRisk)
	}
	switch {
	case !b.UnboundedCollection && a.UnboundedCollection:
		d.add("tokenEconomics.unboundedCollection", Risky, "collection became unbounded")
	case b.UnboundedCollection && !a.UnboundedCollection:
		d.add("tokenEconomics.unboundedCollection", Safe, "collection became bounded")
	}
}

func (d *differ) entitlements(b, a Entitlements) {
	for _, c := range []struct {
		name          string
		before, after bool
	}{
		{"filesystem", b.Filesystem, a.Filesystem},
		{"network", b.Network, a.Network},
		{"subprocess", b.Subprocess, a.Subprocess},
		{"crypto", b.Crypto, a.Crypto},
	} {
		switch {
		case !c.before && c.after:
			d.add("entitlements."+c.name, Breaking, "gained %s entitlement", c.name)
		case c.before && !c.after:
			d.add("entitlements."+c.name, Safe, "lost %s entitlement", c.name)
		}
	}
}

func eqPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// setDiff returns the sorted elements only in after and only in before.
func setDiff(before, after []string) (added, removed []string) {
	inBefore := make(map[string]bool, len(before))
	for _, s := range before {
		inBefore[s] = true
	}
	inAfter := make(map[string]bool, len(after))
	for _, s := range after {
		inAfter[s] = true
		if !inBefore[s] {
			added = append(added, s)
		}
	}
	for _, s := range before {
		if !inAfter[s] {
			removed = append(removed, s)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func unionKeys(a, b map[string]ActionContract) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		set[k] = struct{}{}
	}
	for k := range b {
		set[k] = struct{}{}
	}
	return sortedKeys(set)
}
