package contract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// LockfileVersion is the only lockfile format this package reads or writes.
const LockfileVersion = 1

// DigestPrefix marks the hash algorithm of lockfile digests.
const DigestPrefix = "sha256:"

// ErrLockfileVersion is returned for lockfiles of another format version.
var ErrLockfileVersion = errors.New("unsupported lockfile version")

// Lockfile pins the contracts of every tool a server exposes.
type Lockfile struct {
	LockfileVersion int          `json:"lockfileVersion"`
	ServerName      string       `json:"serverName"`
	FusionVersion   string       `json:"fusionVersion"`
	GeneratedAt     string       `json:"generatedAt"`
	IntegrityDigest string       `json:"integrityDigest"`
	Capabilities    Capabilities `json:"capabilities"`
}

// Capabilities holds the locked tools keyed by name.
type Capabilities struct {
	Tools map[string]LockedTool `json:"tools"`
}

// LockedTool is one tool's contract plus its digest.
type LockedTool struct {
	IntegrityDigest string         `json:"integrityDigest"`
	Surface         Surface        `json:"surface"`
	Behavior        Behavior       `json:"behavior"`
	TokenEconomics  TokenEconomics `json:"tokenEconomics"`
	Entitlements    Entitlements   `json:"entitlements"`
}

// Contract returns the locked contract without its digest.
func (t LockedTool) Contract() ToolContract {
	return ToolContract{Surface: t.Surface, Behavior: t.Behavior, TokenEconomics: t.TokenEconomics, Entitlements: t.Entitlements}
}

// GenerateLockfile pins contracts under serverName. version identifies the
// framework build that produced the file.
func GenerateLockfile(serverName, version string, contracts map[string]ToolContract, now time.Time) *Lockfile {
	sd := ComputeServerDigest(contracts)
	tools := make(map[string]LockedTool, len(contracts))
	for name, c := range contracts {
		tools[name] = LockedTool{
			IntegrityDigest: DigestPrefix + sd.Tools[name],
			Surface:         c.Surface,
			Behavior:        c.Behavior,
			TokenEconomics:  c.TokenEconomics,
			Entitlements:    c.Entitlements,
		}
	}
	return &Lockfile{
		LockfileVersion: LockfileVersion,
		ServerName:      serverName,
		FusionVersion:   version,
		GeneratedAt:     now.UTC().Format(time.RFC3339),
		IntegrityDigest: DigestPrefix + sd.Digest,
		Capabilities:    Capabilities{Tools: tools},
	}
}

// Serialize renders the lockfile as two-space indented JSON with a trailing
// newline. Map keys, including tool names, come out sorted; struct fields
// keep their declaration order.
func (l *Lockfile) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(l); err != nil {
		return nil, fmt.Errorf("Lockfile.Serialize: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseLockfile decodes a lockfile. Malformed JSON and any version other
// than LockfileVersion yield a nil lockfile and an error.
func ParseLockfile(data []byte) (*Lockfile, error) {
	var l Lockfile
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("ParseLockfile: %w", err)
	}
	if l.LockfileVersion != LockfileVersion {
		return nil, fmt.Errorf("ParseLockfile: %w: %d", ErrLockfileVersion, l.LockfileVersion)
	}
	if l.Capabilities.Tools == nil {
		l.Capabilities.Tools = map[string]LockedTool{}
	}
	return &l, nil
}

// ToolDrift is the diff of one tool whose digest no longer matches.
type ToolDrift struct {
	Name string     `json:"name"`
	Diff DiffResult `json:"diff"`
}

// CheckResult compares a lockfile against freshly computed contracts.
type CheckResult struct {
	OK      bool        `json:"ok"`
	Added   []string    `json:"added"`
	Removed []string    `json:"removed"`
	Changed []ToolDrift `json:"changed"`
}

// Message summarizes the result in one line.
func (r CheckResult) Message() string {
	if r.OK {
		return "lockfile is up to date"
	}
	var parts []string
	if len(r.Added) > 0 {
		parts = append(parts, "added: "+strings.Join(r.Added, ", "))
	}
	if len(r.Removed) > 0 {
		parts = append(parts, "removed: "+strings.Join(r.Removed, ", "))
	}
	if len(r.Changed) > 0 {
		names := make([]string, len(r.Changed))
		for i, c := range r.Changed {
			names[i] = c.Name
		}
		parts = append(parts, "changed: "+strings.Join(names, ", "))
	}
	return "lockfile is stale (" + strings.Join(parts, "; ") + ")"
}

// Check reports tools added, removed or changed since the lockfile was
// generated.
func (l *Lockfile) Check(contracts map[string]ToolContract) CheckResult {
	sd := ComputeServerDigest(contracts)
	res := CheckResult{}

	for name, c := range contracts {
		locked, ok := l.Capabilities.Tools[name]
		if !ok {
			res.Added = append(res.Added, name)
			continue
		}
		if locked.IntegrityDigest != DigestPrefix+sd.Tools[name] {
			res.Changed = append(res.Changed, ToolDrift{Name: name, Diff: Diff(locked.Contract(), c)})
		}
	}
	for name := range l.Capabilities.Tools {
		if _, ok := contracts[name]; !ok {
			res.Removed = append(res.Removed, name)
		}
	}

	sort.Strings(res.Added)
	sort.Strings(res.Removed)
	sort.Slice(res.Changed, func(i, j int) bool { return res.Changed[i].Name < res.Changed[j].Name })
	res.OK = len(res.Added) == 0 && len(res.Removed) == 0 && len(res.Changed) == 0 &&
		l.IntegrityDigest == DigestPrefix+sd.Digest
	return res
}
