package authz

import (
	_ "embed"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/ticketfront/internal/model"
)

//go:embed routes.yaml
var defaultRoutes []byte

// Route はパターンと要求ロールの組。
type Route struct {
	Pattern     string `yaml:"pattern"`
	Requirement `yaml:",inline"`
}

// Policy はパスから要求ロールを引くルート表。
type Policy struct {
	routes []Route
}

type policyFile struct {
	Routes []Route `yaml:"routes"`
}

// DefaultPolicy は組み込みのルート表を返す。
func DefaultPolicy() *Policy {
	p, err := ParsePolicy(defaultRoutes)
	if err != nil {
		panic(fmt.Sprintf("authz: invalid embedded routes: %v", err))
	}
	return p
}

// LoadPolicy はファイルからルート表を読み込む。pathが空の場合は組み込みのルート表を返す。
func LoadPolicy(file string) (*Policy, error) {
	if file == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read route policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy はYAMLからルート表を組み立てる。
// ロール名が未知の場合やパターンが重複する場合はエラーとする。
func ParsePolicy(data []byte) (*Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse route policy: %w", err)
	}

	seen := make(map[string]bool, len(f.Routes))
	routes := make([]Route, 0, len(f.Routes))
	for i, r := range f.Routes {
		pattern := normalize(r.Pattern)
		if pattern == "" {
			return nil, fmt.Errorf("route %d: empty pattern", i)
		}
		if seen[pattern] {
			return nil, fmt.Errorf("route %q: duplicate pattern", pattern)
		}
		seen[pattern] = true

		roles := make([]model.Role, 0, len(r.Roles))
		for _, role := range r.Roles {
			parsed, err := model.ParseRole(string(role))
			if err != nil {
				return nil, fmt.Errorf("route %q: %w", pattern, err)
			}
			roles = append(roles, parsed)
		}
		routes = append(routes, Route{
			Pattern:     pattern,
			Requirement: Requirement{Roles: roles, Exclusive: r.Exclusive},
		})
	}

	// 長いパターンから照合する
	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].Pattern) > len(routes[j].Pattern)
	})
	return &Policy{routes: routes}, nil
}

// Lookup はパスに適用される要求ロールを返す。保護されていないパスの場合はfalseを返す。
func (p *Policy) Lookup(urlPath string) (Requirement, bool) {
	clean := normalize(urlPath)
	for _, r := range p.routes {
		if matches(r.Pattern, clean) {
			return r.Requirement, true
		}
	}
	return Requirement{}, false
}

// Routes はルート表のコピーを返す。
func (p *Policy) Routes() []Route {
	out := make([]Route, len(p.routes))
	copy(out, p.routes)
	return out
}

// matches はパターンがパスそのもの、またはパスのセグメント境界での接頭辞であるかを返す。
func matches(pattern, p string) bool {
	if pattern == "/" || p == pattern {
		return true
	}
	return strings.HasPrefix(p, pattern+"/")
}

func normalize(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
