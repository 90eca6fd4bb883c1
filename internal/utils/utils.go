package utils

import (
	"errors"
	"net"
	"net/url"
	"path"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

var (
	ErrEmptyURL    = errors.New("empty url")
	ErrMissingHost = errors.New("missing host")
)

// CanonicalizeOptions controls optional canonicalization policies.
type CanonicalizeOptions struct {
	// DefaultScheme is assumed for schemeless input. Empty means a scheme is required.
	DefaultScheme string
	// StripTrailingSlash treats /a and /a/ the same (root "/" is kept).
	StripTrailingSlash bool
	// KeepFragment preserves #fragments, which client-side routers rely on.
	KeepFragment bool
}

// TargetOptions is the policy used for monitored targets and deployment URLs.
var TargetOptions = CanonicalizeOptions{DefaultScheme: "https", StripTrailingSlash: true}

// Canonicalize returns a deterministic URL string: lowercased scheme and
// punycode host, default ports and credentials dropped, path cleaned and
// query keys sorted.
func Canonicalize(raw string, opts CanonicalizeOptions) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &url.Error{Op: "canonicalize", URL: raw, Err: ErrEmptyURL}
	}
	if opts.DefaultScheme != "" && !strings.Contains(raw, "://") {
		raw = opts.DefaultScheme + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", &url.Error{Op: "canonicalize", URL: raw, Err: ErrMissingHost}
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if puny, err := idna.Lookup.ToASCII(host); err == nil {
		host = puny
	}
	port := u.Port()
	switch {
	case port == "",
		u.Scheme == "http" && port == "80",
		u.Scheme == "https" && port == "443":
		u.Host = host
	default:
		u.Host = net.JoinHostPort(host, port)
	}
	u.User = nil

	p := path.Clean("/" + u.Path)
	if strings.HasSuffix(u.Path, "/") && !opts.StripTrailingSlash && p != "/" {
		p += "/"
	}
	u.Path = p
	u.RawPath = ""

	if !opts.KeepFragment {
		u.Fragment = ""
	}

	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := url.Values{}
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			ordered.Add(k, v)
		}
	}
	u.RawQuery = ordered.Encode()

	return u.String(), nil
}

// SameHost reports whether two URLs point at the same host, ignoring scheme,
// default ports and case.
func SameHost(a, b string) bool {
	ca, err := Canonicalize(a, TargetOptions)
	if err != nil {
		return false
	}
	cb, err := Canonicalize(b, TargetOptions)
	if err != nil {
		return false
	}
	ua, _ := url.Parse(ca)
	ub, _ := url.Parse(cb)
	return ua.Host == ub.Host
}

// WithPath replaces the path (and query) of base with those of ref, keeping
// base's origin. It is used to open the same page on a different deployment.
func WithPath(base, ref string) (string, error) {
	b, err := Canonicalize(base, TargetOptions)
	if err != nil {
		return "", err
	}
	bu, _ := url.Parse(b)
	ru, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	bu.Path = ru.Path
	bu.RawQuery = ru.RawQuery
	if bu.Path == "" {
		bu.Path = "/"
	}
	return bu.String(), nil
}
