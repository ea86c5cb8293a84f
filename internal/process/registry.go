// Package process holds the registry of batch synchronization process types.
package process

import (
	"sort"
)

// Registry answers which synchronization process types this server implements.
// It is the cheapest admission gate and runs before any lock or database work.
type Registry interface {
	// IsImplemented reports whether the process type can actually be run
	IsImplemented(processType string) bool

	// ListImplemented returns the runnable process types, sorted
	ListImplemented() []string

	// ListAll returns every recognized process type, implemented or planned, sorted
	ListAll() []string
}

type staticRegistry struct {
	implemented map[string]struct{}
	all         []string
	runnable    []string
}

// NewStaticRegistry builds a Registry from configuration. The implemented set
// is authoritative; planned types only show up in ListAll so error payloads
// can distinguish "typo" from "not yet available".
func NewStaticRegistry(implemented, planned []string) Registry {
	impl := make(map[string]struct{}, len(implemented))
	runnable := make([]string, 0, len(implemented))
	for _, pt := range implemented {
		if _, ok := impl[pt]; ok {
			continue
		}
		impl[pt] = struct{}{}
		runnable = append(runnable, pt)
	}

	all := append([]string{}, runnable...)
	for _, pt := range planned {
		if _, ok := impl[pt]; !ok {
			all = append(all, pt)
		}
	}

	sort.Strings(runnable)
	sort.Strings(all)

	return &staticRegistry{
		implemented: impl,
		all:         all,
		runnable:    runnable,
	}
}

func (r *staticRegistry) IsImplemented(processType string) bool {
	_, ok := r.implemented[processType]
	return ok
}

func (r *staticRegistry) ListImplemented() []string {
	return append([]string{}, r.runnable...)
}

func (r *staticRegistry) ListAll() []string {
	return append([]string{}, r.all...)
}
