package capsule

import (
	"path"
	"sort"
	"strings"
)

// buildRoutes indexes declared routes and fills in the defaults every
// package gets: each content file at its own path, and each index.html
// also at its directory ("/", "/docs/") and "<dir>/index".
func (p *Package) buildRoutes() {
	p.routeIndex = make(map[string]string)
	var declared []Route

	var doc routesDoc
	if p.readJSON(RoutesFile, &doc) {
		for _, r := range doc.Routes {
			rp := normalizeRoutePath(r.Path)
			if rp == "" {
				p.problems = append(p.problems, RoutesFile+": invalid route path "+quote(r.Path))
				continue
			}
			f, ok := p.lookupFile(r.Target.File)
			if !ok {
				p.problems = append(p.problems, RoutesFile+": route "+rp+" targets missing file "+quote(r.Target.File))
				continue
			}
			if _, dup := p.routeIndex[rp]; dup {
				continue
			}
			p.routeIndex[rp] = f
			declared = append(declared, Route{Path: rp, Target: Target{File: f}})
		}
	}

	var generated []Route
	add := func(rp, f string) {
		if _, taken := p.routeIndex[rp]; taken {
			return
		}
		p.routeIndex[rp] = f
		generated = append(generated, Route{Path: rp, Target: Target{File: f}})
	}
	for _, f := range p.servableFiles() {
		rel := strings.TrimPrefix(f, p.contentPrefix)
		add("/"+rel, f)
		if path.Base(rel) == "index.html" {
			dir := path.Dir(rel)
			if dir == "." {
				add("/", f)
				add("/index", f)
			} else {
				add("/"+dir+"/", f)
				add("/"+dir+"/index", f)
			}
		}
	}
	sort.Slice(generated, func(i, j int) bool { return generated[i].Path < generated[j].Path })

	p.Routes = append(declared, generated...)
}

// servableFiles lists files reachable by URL: everything under content/
// when that directory exists, otherwise every non-descriptor file.
func (p *Package) servableFiles() []string {
	out := make([]string, 0, len(p.Files))
	for f := range p.Files {
		if p.contentPrefix != "" {
			if strings.HasPrefix(f, p.contentPrefix) {
				out = append(out, f)
			}
			continue
		}
		switch f {
		case MetadataFile, ManifestFile, RoutesFile, SecurityFile:
			continue
		}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func normalizeRoutePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || strings.ContainsAny(p, "?#\\\x00") {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	trailing := strings.HasSuffix(p, "/")
	p = path.Clean(p)
	if trailing && p != "/" {
		p += "/"
	}
	return p
}

func quote(s string) string { return "\"" + s + "\"" }
