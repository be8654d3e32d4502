package tenant

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"paywatch/internal/config"
)

// ErrInvalid marks a tenant configuration that cannot be used.
var ErrInvalid = errors.New("tenant config invalid")

// Tenant is one monitored mailbox. Values are built once and shared read-only;
// callers must not modify the slices.
type Tenant struct {
	Index      int
	Address    string
	Credential string
	Name       string

	ChatID string
	// ThreadID is the forum topic; nil posts to the main chat.
	ThreadID *int

	Tags           []string
	AllowedSenders []string
	Keywords       []string
}

// Destination renders the channel the way it was configured ("id" or "id:topic").
func (t Tenant) Destination() string {
	if t.ThreadID == nil {
		return t.ChatID
	}
	return t.ChatID + ":" + strconv.Itoa(*t.ThreadID)
}

// Registry is an immutable tenant list.
type Registry struct {
	tenants []Tenant
}

// FromConfig builds the registry from a configuration snapshot.
func FromConfig(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalid)
	}
	global := cfg.Keywords
	if len(global) == 0 {
		global = DefaultPhrases
	}
	return Build(cfg.Tenants, global)
}

// Build parses the positional lists. All problems are reported together.
func Build(lists config.TenantLists, global []string) (*Registry, error) {
	emails := trimTrailingEmpty(splitList(lists.Emails))
	passwords := splitList(lists.Passwords)
	names := splitList(lists.CompanyNames)
	chats := splitList(lists.ChatIDs)
	tags := splitList(lists.Tags)
	senders := splitList(lists.AllowedSenders)
	keywords := splitList(lists.Keywords)

	if len(emails) == 0 {
		return nil, fmt.Errorf("%w: no mailboxes configured (EMAILS is empty)", ErrInvalid)
	}

	globalCorpus := lowerAll(global)

	var errs []error
	out := make([]Tenant, 0, len(emails))
	for i, addr := range emails {
		t := Tenant{
			Index:      i,
			Address:    addr,
			Credential: at(passwords, i),
			Name:       at(names, i),
		}
		if t.Name == "" {
			t.Name = t.Address
		}

		label := fmt.Sprintf("tenant %d", i+1)
		if addr != "" {
			label += " (" + addr + ")"
		}
		if t.Address == "" {
			errs = append(errs, fmt.Errorf("%s: missing mailbox address", label))
		}
		if t.Credential == "" {
			errs = append(errs, fmt.Errorf("%s: missing credential", label))
		}

		chatID, thread, err := ParseDestination(at(chats, i))
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		case chatID == "":
			errs = append(errs, fmt.Errorf("%s: missing chat id", label))
		}
		t.ChatID, t.ThreadID = chatID, thread

		for _, tag := range splitPlus(at(tags, i)) {
			if !strings.HasPrefix(tag, "@") {
				tag = "@" + tag
			}
			t.Tags = append(t.Tags, tag)
		}
		t.AllowedSenders = lowerAll(splitPlus(at(senders, i)))
		t.Keywords = dedupe(append(append([]string(nil), globalCorpus...), lowerAll(splitPlus(at(keywords, i)))...))

		out = append(out, t)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return &Registry{tenants: out}, nil
}

// ParseDestination splits "id" or "id:topic". A non-integer topic is an error.
func ParseDestination(raw string) (chatID string, thread *int, err error) {
	raw = strings.TrimSpace(raw)
	id, topic, ok := strings.Cut(raw, ":")
	if !ok {
		return raw, nil, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(topic))
	if err != nil {
		return strings.TrimSpace(id), nil, fmt.Errorf("invalid topic id %q in chat destination %q", topic, raw)
	}
	return strings.TrimSpace(id), &n, nil
}

// All returns the tenants in configuration order.
func (r *Registry) All() []Tenant {
	if r == nil {
		return nil
	}
	return append([]Tenant(nil), r.tenants...)
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tenants)
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func trimTrailingEmpty(in []string) []string {
	for len(in) > 0 && in[len(in)-1] == "" {
		in = in[:len(in)-1]
	}
	return in
}

func splitPlus(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, "+") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func at(list []string, i int) string {
	if i < len(list) {
		return list[i]
	}
	return ""
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// dedupe keeps the first occurrence of each value.
func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
