package tools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/idna"

	"github.com/hermesosint/hermes/internal/execution"
)

// TargetPlaceholder is replaced by the validated target in an argument template.
const TargetPlaceholder = "{target}"

// ErrInvalidTarget is returned when a target fails its adapter's validator.
var ErrInvalidTarget = errors.New("invalid target")

// Validator checks a target and returns its normalized form.
type Validator func(target string) (string, error)

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._][A-Za-z0-9._-]{0,99}$`)
	domainPattern   = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}$`)
	emailPattern    = regexp.MustCompile(`^[a-z0-9._%+][a-z0-9._%+-]*@[a-z0-9.-]+\.[a-z]{2,}$`)
	phonePattern    = regexp.MustCompile(`^\+?[0-9]{6,15}$`)
)

// ValidateUsername accepts letters, digits, '.', '_' and '-'. A leading
// '-' is refused so the target can never be read as a flag.
func ValidateUsername(target string) (string, error) {
	target = strings.TrimSpace(target)
	if !usernamePattern.MatchString(target) {
		return "", fmt.Errorf("%w: username %q", ErrInvalidTarget, target)
	}
	return target, nil
}

// ValidateDomain lower-cases and IDNA-encodes a domain name.
func ValidateDomain(target string) (string, error) {
	host := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(target)), ".")
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || len(ascii) > 253 || !domainPattern.MatchString(ascii) {
		return "", fmt.Errorf("%w: domain %q", ErrInvalidTarget, target)
	}
	return ascii, nil
}

// ValidateEmail lower-cases an address and checks its shape.
func ValidateEmail(target string) (string, error) {
	addr := strings.ToLower(strings.TrimSpace(target))
	if len(addr) > 254 || !emailPattern.MatchString(addr) {
		return "", fmt.Errorf("%w: email %q", ErrInvalidTarget, target)
	}
	return addr, nil
}

// ValidatePhone strips common separators and expects 6 to 15 digits with
// an optional leading '+'.
func ValidatePhone(target string) (string, error) {
	num := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(strings.TrimSpace(target))
	if !phonePattern.MatchString(num) {
		return "", fmt.Errorf("%w: phone number %q", ErrInvalidTarget, target)
	}
	return num, nil
}

var _ Adapter = (*CommandAdapter)(nil)

// CommandAdapter runs a tool with a fixed argument template and treats each
// distinct non-empty output line as a finding.
type CommandAdapter struct {
	tool     string
	args     []string
	validate Validator
	marker   string
	strategy execution.Strategy
	cfg      execution.Config
}

// CommandOption configures a CommandAdapter.
type CommandOption func(*CommandAdapter)

// WithMarker keeps only output lines containing marker, with the marker
// stripped (e.g. "[+]" for tools that prefix hits).
func WithMarker(marker string) CommandOption {
	return func(a *CommandAdapter) { a.marker = marker }
}

// WithExecConfig sets the execution settings passed on every run.
func WithExecConfig(cfg execution.Config) CommandOption {
	return func(a *CommandAdapter) { a.cfg = cfg }
}

// NewCommandAdapter creates an adapter for tool. args must contain
// TargetPlaceholder at least once.
func NewCommandAdapter(tool string, args []string, validate Validator, strategy execution.Strategy, opts ...CommandOption) *CommandAdapter {
	a := &CommandAdapter{
		tool:     tool,
		args:     args,
		validate: validate,
		strategy: strategy,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *CommandAdapter) Name() string { return a.tool }

func (a *CommandAdapter) CanRun(ctx context.Context) bool {
	return a.strategy.IsAvailable(ctx, a.tool)
}

// Args renders the argument template for a validated target.
func (a *CommandAdapter) Args(target string) []string {
	out := make([]string, len(a.args))
	for i, arg := range a.args {
		out[i] = strings.ReplaceAll(arg, TargetPlaceholder, target)
	}
	return out
}

func (a *CommandAdapter) Execute(ctx context.Context, target string) (string, error) {
	clean := target
	if a.validate != nil {
		var err error
		if clean, err = a.validate(target); err != nil {
			return "", err
		}
	}
	out, err := a.strategy.Execute(ctx, a.tool, a.Args(clean), a.cfg)
	if err != nil {
		return "", fmt.Errorf("%s: %w", a.tool, err)
	}
	return out, nil
}

func (a *CommandAdapter) ParseResults(raw string) []Finding {
	seen := make(map[string]bool)
	var findings []Finding
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if a.marker != "" {
			if !strings.Contains(line, a.marker) {
				continue
			}
			line = strings.TrimSpace(strings.Replace(line, a.marker, "", 1))
		}
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		findings = append(findings, Finding{Tool: a.tool, Value: line})
	}
	return findings
}

// DefaultAdapters registers the built-in tool adapters on strategy.
func DefaultAdapters(strategy execution.Strategy, cfg execution.Config) *Registry {
	reg := NewRegistry()
	reg.Register(NewCommandAdapter("subfinder", []string{"-d", TargetPlaceholder, "-silent"}, ValidateDomain, strategy, WithExecConfig(cfg)))
	reg.Register(NewCommandAdapter("sherlock", []string{TargetPlaceholder, "--print-found"}, ValidateUsername, strategy, WithMarker("[+]"), WithExecConfig(cfg)))
	reg.Register(NewCommandAdapter("holehe", []string{TargetPlaceholder, "--only-used", "--no-color"}, ValidateEmail, strategy, WithMarker("[+]"), WithExecConfig(cfg)))
	reg.Register(NewCommandAdapter("h8mail", []string{"-t", TargetPlaceholder}, ValidateEmail, strategy, WithExecConfig(cfg)))
	reg.Register(NewCommandAdapter("phoneinfoga", []string{"scan", "-n", TargetPlaceholder}, ValidatePhone, strategy, WithExecConfig(cfg)))
	return reg
}
