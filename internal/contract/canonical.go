package contract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Canonicalize serializes v as compact JSON with object keys sorted at every
// depth, so structurally equal values produce identical bytes regardless of
// construction order.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// SHA256Hex is the lowercase hex sha256 of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashCanonical is SHA256Hex(Canonicalize(v)).
func HashCanonical(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

func mustHash(v any) string {
	h, err := HashCanonical(v)
	if err != nil {
		// Contract values are plain data; a marshal failure is a bug.
		panic(err)
	}
	return h
}

// Components are the per-section digests of a contract.
type Components struct {
	Surface        string `json:"surface"`
	Behavior       string `json:"behavior"`
	TokenEconomics string `json:"tokenEconomics"`
	Entitlements   string `json:"entitlements"`
}

// Digest is the content hash of one contract.
type Digest struct {
	Digest     string     `json:"digest"`
	Components Components `json:"components"`
}

// ComputeDigest hashes each section independently and then the set of
// section hashes, so a change in one section leaves its siblings' digests
// untouched.
func ComputeDigest(c ToolContract) Digest {
	comp := Components{
		Surface:        mustHash(c.Surface),
		Behavior:       mustHash(c.Behavior),
		TokenEconomics: mustHash(c.TokenEconomics),
		Entitlements:   mustHash(c.Entitlements),
	}
	return Digest{Digest: mustHash(comp), Components: comp}
}

// ServerDigest is the digest over every tool of a server.
type ServerDigest struct {
	Digest     string            `json:"digest"`
	Tools      map[string]string `json:"tools"`
	ComputedAt time.Time         `json:"computedAt"`
}

// ComputeServerDigest hashes the per-tool digests. Tool names are sorted
// first, so map iteration order never matters.
func ComputeServerDigest(contracts map[string]ToolContract) ServerDigest {
	names := make([]string, 0, len(contracts))
	for name := range contracts {
		names = append(names, name)
	}
	sort.Strings(names)

	tools := make(map[string]string, len(names))
	pairs := make([][2]string, 0, len(names))
	for _, name := range names {
		d := ComputeDigest(contracts[name]).Digest
		tools[name] = d
		pairs = append(pairs, [2]string{name, d})
	}
	return ServerDigest{Digest: mustHash(pairs), Tools: tools, ComputedAt: time.Now().UTC()}
}
