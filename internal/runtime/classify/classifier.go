// Package classify maps inbound request descriptors to a request category.
// Classification is pure and deterministic: the same descriptor always yields
// the same category, and no storage is consulted.
package classify

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voltwatch/offgate/internal/expr"
)

// Category buckets a request for strategy selection.
type Category string

const (
	// CategoryCrossOrigin marks requests for a foreign origin. They are
	// always passed straight to the network and never touch storage.
	CategoryCrossOrigin Category = "cross_origin"
	// CategoryNavigation marks document loads.
	CategoryNavigation Category = "navigation"
	// CategoryAPI marks requests under the configured API prefix.
	CategoryAPI Category = "api"
	// CategoryStatic marks everything else: scripts, styles, images.
	CategoryStatic Category = "static"
)

// Descriptor is the immutable snapshot of an inbound request the classifier
// and strategies operate on. Header and Body carry the inbound payload so
// network-path strategies can replay the request against the origin intact.
type Descriptor struct {
	Method       string
	URL          *url.URL
	Accept       string
	Header       http.Header
	Body         []byte
	IsNavigation bool
}

// IsGET reports whether the request method is the cacheable GET form. HEAD is
// deliberately not GET-equivalent here: a HEAD response body would poison
// later GET lookups.
func (d Descriptor) IsGET() bool {
	return strings.EqualFold(d.Method, "GET")
}

// snapshot projects the descriptor into the CEL activation shape.
func (d Descriptor) snapshot() map[string]any {
	query := make(map[string]any)
	path := ""
	host := ""
	if d.URL != nil {
		path = d.URL.Path
		host = d.URL.Host
		for name, values := range d.URL.Query() {
			if len(values) > 0 {
				query[name] = values[0]
			}
		}
	}
	return map[string]any{
		"request": map[string]any{
			"method":     strings.ToUpper(d.Method),
			"path":       path,
			"host":       host,
			"query":      query,
			"accept":     d.Accept,
			"navigation": d.IsNavigation,
		},
		"now": time.Now().UTC(),
	}
}

// Classifier assigns categories using the fixed rule order plus optional
// operator-supplied bypass expressions.
type Classifier struct {
	origin    *url.URL
	apiPrefix string
	bypass    []expr.Program
	logger    *slog.Logger
}

// New compiles the bypass expressions and returns a classifier bound to the
// gateway's own origin. Compile failures reject the configuration outright.
func New(origin *url.URL, apiPrefix string, bypassExprs []string, logger *slog.Logger) (*Classifier, error) {
	if origin == nil {
		return nil, fmt.Errorf("classify: origin required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var programs []expr.Program
	if len(bypassExprs) > 0 {
		env, err := expr.NewEnvironment()
		if err != nil {
			return nil, err
		}
		programs = make([]expr.Program, 0, len(bypassExprs))
		for _, source := range bypassExprs {
			if strings.TrimSpace(source) == "" {
				continue
			}
			program, err := env.Compile(source)
			if err != nil {
				return nil, err
			}
			programs = append(programs, program)
		}
	}

	return &Classifier{
		origin:    origin,
		apiPrefix: apiPrefix,
		bypass:    programs,
		logger:    logger.With(slog.String("agent", "classifier")),
	}, nil
}

// Classify applies the rule order: foreign origin, then bypass overrides,
// then navigation, then the API prefix, then static.
func (c *Classifier) Classify(d Descriptor) Category {
	if c.isForeignOrigin(d.URL) {
		return CategoryCrossOrigin
	}
	if c.bypassMatches(d) {
		return CategoryCrossOrigin
	}
	if d.IsNavigation || acceptsHTML(d.Accept) {
		return CategoryNavigation
	}
	if d.URL != nil && pathHasPrefix(d.URL.Path, c.apiPrefix) {
		return CategoryAPI
	}
	return CategoryStatic
}

func (c *Classifier) isForeignOrigin(u *url.URL) bool {
	if u == nil || u.Host == "" {
		// Relative URLs are same-origin by construction.
		return false
	}
	if !strings.EqualFold(u.Host, c.origin.Host) {
		return true
	}
	return u.Scheme != "" && !strings.EqualFold(u.Scheme, c.origin.Scheme)
}

func (c *Classifier) bypassMatches(d Descriptor) bool {
	if len(c.bypass) == 0 {
		return false
	}
	vars := d.snapshot()
	for _, program := range c.bypass {
		matched, err := program.EvalBool(vars)
		if err != nil {
			// Evaluation failures mean "no match", never a dropped request.
			c.logger.Debug("bypass expression failed",
				slog.String("expression", program.Source()),
				slog.Any("error", err))
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

func acceptsHTML(accept string) bool {
	return strings.Contains(strings.ToLower(accept), "text/html")
}

func pathHasPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	// /apiary must not match the /api prefix.
	rest := path[len(prefix):]
	return rest == "" || strings.HasPrefix(rest, "/") || strings.HasSuffix(prefix, "/")
}
