package soft404

import (
	"net/url"
	"path"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// resourceURL breaks a URL into the parts the probe generators work with.
type resourceURL struct {
	raw string
	// upToPath is scheme, host and path up to and including the last slash.
	upToPath string
	// name is the last path segment, empty for directory URLs.
	name string
	// ext is the name's extension without the dot.
	ext string
}

func parseResource(raw string) (resourceURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return resourceURL{}, err
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	dir, name := p[:strings.LastIndex(p, "/")+1], p[strings.LastIndex(p, "/")+1:]

	r := resourceURL{
		raw:      raw,
		upToPath: u.Scheme + "://" + u.Host + dir,
		name:     name,
	}
	if i := strings.LastIndex(name, "."); i >= 0 && i < len(name)-1 {
		r.ext = name[i+1:]
	}
	return r, nil
}

// nameWithoutExt drops everything from the last dot on; names without a dot
// yield an empty string.
func (r resourceURL) nameWithoutExt() string {
	i := strings.LastIndex(r.name, ".")
	if i < 0 {
		return ""
	}
	return r.name[:i]
}

// dirname mirrors the shell's dirname: trailing slashes do not count.
func dirname(p string) string {
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return "/"
	}
	return path.Dir(trimmed)
}

// HandlerURL returns the directory URL whose not-found behavior governs raw.
// Resources with an extension share a handler with their directory; anything
// else is governed by the parent of its directory.
func HandlerURL(raw string) (string, error) {
	r, err := parseResource(raw)
	if err != nil {
		return "", err
	}
	u, _ := url.Parse(r.upToPath)

	dir := u.Path
	if r.ext == "" {
		dir = dirname(dir)
	}
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	u.Path = dir
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// NeedsAdvancedAnalysis reports whether raw's resource name carries enough
// structure (a stem, an extension, a dash or a tilde) that a site could treat
// its variants differently from plain random paths.
func NeedsAdvancedAnalysis(raw string) bool {
	r, err := parseResource(raw)
	if err != nil {
		return false
	}
	return r.nameWithoutExt() != "" || r.ext != "" ||
		strings.Contains(r.name, "~") || strings.Contains(r.name, "-")
}

func randomString() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func randomAlphaCapital() string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return -1
		}
		return r
	}, randomString()))
}

// generator produces one probe URL, freshly randomized on every call.
type generator func() string

func short(precision int) string {
	s := randomString()
	if precision+1 < len(s) {
		return s[:precision+1]
	}
	return s
}

func basicGenerators(raw, handlerURL string, precision int) ([]generator, error) {
	r, err := parseResource(raw)
	if err != nil {
		return nil, err
	}

	g := []generator{
		func() string { return r.upToPath + randomString() + "." + short(precision) },
		func() string { return r.upToPath + randomString() },
		func() string { return r.upToPath + randomAlphaCapital() },
		func() string { return handlerURL + randomString() },
		func() string { return handlerURL + randomAlphaCapital() },
		func() string { return handlerURL + randomString() + "." + short(precision) },
		func() string { return r.upToPath + randomString() + "/" },
	}

	if rn := r.name; rn != "" {
		stem := strings.SplitN(rn, ".", 2)[0]
		g = append(g,
			func() string { return strings.ReplaceAll(raw, rn, rn+short(precision)) },
			func() string { return strings.ReplaceAll(raw, rn, rn+"-"+short(precision)) },
			func() string { return strings.ReplaceAll(raw, rn, rn+"/"+short(precision)) },
			func() string {
				return strings.ReplaceAll(raw, stem, rn+"("+short(precision)+")."+r.ext)
			},
			func() string { return strings.ReplaceAll(raw, rn, short(precision)+rn) },
		)
	}
	return g, nil
}

func advancedGenerators(raw string, precision int) ([]generator, error) {
	r, err := parseResource(raw)
	if err != nil {
		return nil, err
	}

	var g []generator
	if stem := r.nameWithoutExt(); stem != "" {
		g = append(g, func() string { return r.upToPath + stem + "." + short(precision) })
	}
	if r.ext != "" {
		g = append(g, func() string { return r.upToPath + randomString() + "." + r.ext })
	}
	if strings.Contains(r.name, "-") {
		g = append(g,
			func() string {
				return r.upToPath + strings.ReplaceAll(r.name, "-", randomString()+"-")
			},
			func() string {
				return r.upToPath + strings.ReplaceAll(r.name, "-", "-"+randomString())
			},
		)
	}
	if strings.Contains(r.name, "~") {
		g = append(g, func() string { return r.upToPath + strings.ReplaceAll(r.name, "~", "~~") })
	}
	return g, nil
}
