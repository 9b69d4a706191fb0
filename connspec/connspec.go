// Package connspec parses connection strings into ordered endpoint
// descriptors. The grammar is
//
//	scheme://host[:port][/path][;mapping][!option]*
//
// with multiple endpoints separated by commas. A mapping segment renames wire
// topics to local topics: "a>main" and "main=a" are equivalent forms, and a
// bare name aliases the default topic. Option tokens set boolean flags:
// "!loop" (loop on source exhaustion), "!sync" (strict-sync delivery), and
// "!alias=NAME" (endpoint name used in logs).
//
// Parsing never touches the network; every failure here is a configuration
// error surfaced before any process starts.
package connspec

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/abhijit10m/openfilter/errors"
	"github.com/abhijit10m/openfilter/frame"
)

// Supported connection schemes. tcp and ws are synonyms: both mean the
// websocket transport over TCP. ipc is the websocket transport over a unix
// domain socket.
const (
	SchemeTCP = "tcp"
	SchemeWS  = "ws"
	SchemeIPC = "ipc"
)

// Mapping renames one wire topic to one local topic
type Mapping struct {
	Wire  string
	Local string
}

// Options holds the per-endpoint flag set
type Options struct {
	Loop  bool   // re-read exhaustible sources from the start
	Sync  bool   // strict-sync delivery: request only at consumption rate
	Alias string // endpoint name for logs; defaults to the address
}

// Endpoint is one parsed connection descriptor. Mappings preserve declaration
// order. Closed is true when the endpoint enumerates explicit wire>local
// mappings, which turns the mapping into a closed set: unmapped wire topics
// are dropped by the router instead of passed through.
type Endpoint struct {
	Scheme  string
	Address string // host:port for tcp/ws, filesystem path for ipc
	Path    string // URL path for tcp/ws endpoints
	Mapping []Mapping
	Closed  bool
	Options Options
}

// Name returns the endpoint's log name: the alias if set, else the address
func (e Endpoint) Name() string {
	if e.Options.Alias != "" {
		return e.Options.Alias
	}
	return e.Address
}

// LocalTopics returns the declared local topics in declaration order
func (e Endpoint) LocalTopics() []string {
	out := make([]string, 0, len(e.Mapping))
	for _, m := range e.Mapping {
		out = append(out, m.Local)
	}
	return out
}

// Parse turns a comma-separated connection string into ordered endpoint
// descriptors. Commas inside a mapping list are allowed: a comma token is a
// new endpoint only when it carries a scheme separator.
func Parse(spec string) ([]Endpoint, error) {
	endpoints, err := parseSpec(spec)
	if err != nil {
		return nil, err
	}
	warnCollisions(endpoints)
	return endpoints, nil
}

// ParseList parses each spec string and concatenates the results in order.
// Collision warnings span the whole list: a local topic produced by endpoints
// from two different list entries is reported the same way as one produced
// twice within a single spec string.
func ParseList(specs []string) ([]Endpoint, error) {
	var out []Endpoint
	for _, spec := range specs {
		eps, err := parseSpec(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, eps...)
	}
	warnCollisions(out)
	return out, nil
}

func parseSpec(spec string) ([]Endpoint, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.WrapConfig(
			fmt.Errorf("empty connection spec: %w", errors.ErrInvalidConfig),
			"connspec", "Parse", "spec validation")
	}

	var raws []string
	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if strings.Contains(tok, "://") || len(raws) == 0 {
			raws = append(raws, tok)
		} else {
			// Continuation of the previous endpoint's mapping list.
			raws[len(raws)-1] += ";" + tok
		}
	}

	endpoints := make([]Endpoint, 0, len(raws))
	for _, raw := range raws {
		ep, err := parseOne(raw)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

func parseOne(raw string) (Endpoint, error) {
	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		return Endpoint{}, errors.WrapConfig(
			fmt.Errorf("%q has no scheme separator: %w", raw, errors.ErrInvalidConfig),
			"connspec", "Parse", "endpoint syntax")
	}
	switch scheme {
	case SchemeTCP, SchemeWS, SchemeIPC:
	default:
		return Endpoint{}, errors.WrapConfig(
			fmt.Errorf("%q: %w", scheme, errors.ErrUnknownScheme),
			"connspec", "Parse", "scheme validation")
	}

	// Options trail everything else: split them off first.
	optTokens := strings.Split(rest, "!")
	rest = optTokens[0]

	ep := Endpoint{Scheme: scheme}
	for _, opt := range optTokens[1:] {
		if err := applyOption(&ep, opt); err != nil {
			return Endpoint{}, err
		}
	}

	// Address, then mapping segments.
	segments := strings.Split(rest, ";")
	if err := parseAddress(&ep, segments[0]); err != nil {
		return Endpoint{}, err
	}

	seen := make(map[string]struct{})
	for _, seg := range segments[1:] {
		if err := parseMappingSegment(&ep, seg, seen); err != nil {
			return Endpoint{}, err
		}
	}
	return ep, nil
}

func parseAddress(ep *Endpoint, addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return errors.WrapConfig(
			fmt.Errorf("endpoint has no address: %w", errors.ErrInvalidConfig),
			"connspec", "Parse", "address validation")
	}
	if ep.Scheme == SchemeIPC {
		ep.Address = addr
		return nil
	}
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		ep.Address = addr[:i]
		ep.Path = addr[i:]
	} else {
		ep.Address = addr
	}
	return nil
}

func parseMappingSegment(ep *Endpoint, seg string, seen map[string]struct{}) error {
	seg = strings.TrimSpace(seg)
	if seg == "" {
		return errors.WrapConfig(
			fmt.Errorf("empty mapping segment: %w", errors.ErrMalformedMapping),
			"connspec", "Parse", "mapping syntax")
	}

	var m Mapping
	explicit := true
	switch {
	case strings.Contains(seg, ">"):
		// wire>local
		wire, local, _ := strings.Cut(seg, ">")
		m = Mapping{Wire: wire, Local: local}
	case strings.Contains(seg, "="):
		// local=wire
		local, wire, _ := strings.Cut(seg, "=")
		m = Mapping{Wire: wire, Local: local}
	default:
		// Bare name: alias the default topic. Leaves the set open.
		m = Mapping{Wire: frame.DefaultTopic, Local: seg}
		explicit = false
	}

	if m.Wire == "" || m.Local == "" ||
		strings.ContainsAny(m.Wire, ">=") || strings.ContainsAny(m.Local, ">=") {
		return errors.WrapConfig(
			fmt.Errorf("%q: %w", seg, errors.ErrMalformedMapping),
			"connspec", "Parse", "mapping syntax")
	}
	if _, dup := seen[m.Local]; dup {
		return errors.WrapConfig(
			fmt.Errorf("%q declared twice: %w", m.Local, errors.ErrDuplicateTopic),
			"connspec", "Parse", "mapping validation")
	}
	seen[m.Local] = struct{}{}

	ep.Mapping = append(ep.Mapping, m)
	if explicit {
		ep.Closed = true
	}
	return nil
}

func applyOption(ep *Endpoint, opt string) error {
	opt = strings.TrimSpace(opt)
	name, value, hasValue := strings.Cut(opt, "=")
	switch name {
	case "loop":
		ep.Options.Loop = true
	case "sync":
		ep.Options.Sync = true
	case "alias":
		if !hasValue || value == "" {
			return errors.WrapConfig(
				fmt.Errorf("alias option needs a value: %w", errors.ErrUnknownOption),
				"connspec", "Parse", "option validation")
		}
		ep.Options.Alias = value
	default:
		return errors.WrapConfig(
			fmt.Errorf("%q: %w", opt, errors.ErrUnknownOption),
			"connspec", "Parse", "option validation")
	}
	return nil
}

// warnCollisions surfaces local topic names that two endpoints can both
// produce. The merge is last-wins; that is preserved behavior, but it should
// never be silent.
func warnCollisions(endpoints []Endpoint) {
	owner := make(map[string]string)
	for _, ep := range endpoints {
		topics := ep.LocalTopics()
		if len(topics) == 0 {
			topics = []string{frame.DefaultTopic}
		}
		for _, topic := range topics {
			if prev, ok := owner[topic]; ok {
				slog.Warn("local topic produced by multiple source endpoints; later source wins on collision",
					"topic", topic,
					"first_endpoint", prev,
					"second_endpoint", ep.Name())
				continue
			}
			owner[topic] = ep.Name()
		}
	}
}
