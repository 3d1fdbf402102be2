package contract

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"sort"
	"strconv"
	"strings"
)

// Entitlements are the capability classes a tool's implementation reaches.
type Entitlements struct {
	Filesystem bool     `json:"filesystem"`
	Network    bool     `json:"network"`
	Subprocess bool     `json:"subprocess"`
	Crypto     bool     `json:"crypto"`
	Raw        []string `json:"raw"`
}

// Categories returns the names of the granted classes in a fixed order.
func (e Entitlements) Categories() []string {
	var out []string
	if e.Filesystem {
		out = append(out, "filesystem")
	}
	if e.Network {
		out = append(out, "network")
	}
	if e.Subprocess {
		out = append(out, "subprocess")
	}
	if e.Crypto {
		out = append(out, "crypto")
	}
	return out
}

type category int

const (
	catNone category = iota
	catFilesystem
	catNetwork
	catSubprocess
	catCrypto
)

// Identifiers are import paths ("os/exec") or qualified calls
// ("exec.Command"). Prefix entries end with "/" or ".".
var rules = []struct {
	cat      category
	prefixes []string
}{
	{catSubprocess, []string{
		"os/exec", "exec.", "syscall.Exec", "syscall.ForkExec", "os.StartProcess",
	}},
	{catNetwork, []string{
		"net", "net/", "net.", "http.", "rpc.", "smtp.", "grpc.", "websocket.",
		"google.golang.org/grpc", "github.com/gorilla/websocket",
	}},
	{catCrypto, []string{
		"crypto", "crypto/", "golang.org/x/crypto", "sha256.", "sha512.", "sha1.", "md5.",
		"hmac.", "aes.", "cipher.", "rsa.", "ecdsa.", "ed25519.", "bcrypt.",
	}},
	{catFilesystem, []string{
		"io/fs", "io/ioutil", "path/filepath", "ioutil.", "fs.", "filepath.",
		"os.Open", "os.OpenFile", "os.Create", "os.ReadFile", "os.WriteFile", "os.Remove",
		"os.RemoveAll", "os.Mkdir", "os.MkdirAll", "os.MkdirTemp", "os.CreateTemp",
		"os.Rename", "os.ReadDir", "os.Stat", "os.Lstat", "os.Chmod", "os.Chown",
		"os.Symlink", "os.Truncate",
	}},
}

func classify(id string) category {
	for _, r := range rules {
		for _, p := range r.prefixes {
			if id == p {
				return r.cat
			}
			if (strings.HasSuffix(p, "/") || strings.HasSuffix(p, ".")) && strings.HasPrefix(id, p) {
				return r.cat
			}
		}
	}
	return catNone
}

// Classify maps identifiers to entitlement classes. Raw keeps the sorted,
// de-duplicated identifiers that matched any class.
func Classify(ids []string) Entitlements {
	var e Entitlements
	seen := map[string]struct{}{}
	for _, id := range ids {
		c := classify(id)
		switch c {
		case catFilesystem:
			e.Filesystem = true
		case catNetwork:
			e.Network = true
		case catSubprocess:
			e.Subprocess = true
		case catCrypto:
			e.Crypto = true
		default:
			continue
		}
		seen[id] = struct{}{}
	}
	e.Raw = sortedKeys(seen)
	return e
}

// ScanGoSource lists the import paths and package-qualified selectors used
// by a Go source file. Selectors are reported under the package's default
// name, so an aliased import of os/exec still yields "exec.Command".
func ScanGoSource(filename string, src []byte) ([]string, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, filename, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("ScanGoSource: %w", err)
	}

	found := map[string]struct{}{}
	local := map[string]string{}
	for _, imp := range f.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		found[p] = struct{}{}
		base := path.Base(p)
		name := base
		if imp.Name != nil {
			name = imp.Name.Name
		}
		if name == "_" || name == "." {
			continue
		}
		local[name] = base
	}

	ast.Inspect(f, func(n ast.Node) bool {
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		ident, ok := sel.X.(*ast.Ident)
		if !ok {
			return true
		}
		if base, ok := local[ident.Name]; ok {
			found[base+"."+sel.Sel.Name] = struct{}{}
		}
		return true
	})

	out := make([]string, 0, len(found))
	for id := range found {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
