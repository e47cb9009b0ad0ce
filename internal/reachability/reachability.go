// Package reachability turns per-observer failure detector verdicts into a
// cluster-wide reachability view.
//
// Every node runs a Tracker that records its own subjective verdicts as a
// versioned Report. Reports travel inside gossip and are merged per observer;
// Aggregate then marks a subject unreachable as soon as any single observer
// reports it Unreachable or Terminated.
package reachability

import (
	"sort"

	"clusterd/internal/address"
)

// Status is a subjective verdict about one subject.
type Status int

const (
	Reachable Status = iota
	Unreachable
	// Terminated is one-way: once reported it is never downgraded.
	Terminated
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case Reachable:
		return "REACHABLE"
	case Unreachable:
		return "UNREACHABLE"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s >= Reachable && s <= Terminated
}

// Subject is the observer's verdict about one member and the observer-local
// version at which it was recorded.
type Subject struct {
	Status  Status
	Version int64
}

// join combines two verdicts about the same subject. Terminated absorbs,
// otherwise the later (then more severe) verdict wins.
func (s Subject) join(o Subject) Subject {
	out := s
	if o.Version > s.Version || (o.Version == s.Version && o.Status > s.Status) {
		out = o
	}
	if s.Status == Terminated || o.Status == Terminated {
		out.Status = Terminated
	}
	return out
}

// Report is everything one observer currently asserts.
type Report struct {
	Observer address.UniqueAddress
	Version  int64
	Subjects map[address.UniqueAddress]Subject
}

// Copy returns a deep copy of the report.
func (r Report) Copy() Report {
	out := Report{Observer: r.Observer, Version: r.Version, Subjects: make(map[address.UniqueAddress]Subject, len(r.Subjects))}
	for k, v := range r.Subjects {
		out.Subjects[k] = v
	}
	return out
}

// MergeReports merges two reports from the same observer. The report with the
// higher version wins, since each observer versions its own reports and a
// late delivery of an older one must not overwrite a newer one. Equal versions
// are joined subject by subject.
func MergeReports(a, b Report) Report {
	switch {
	case a.Version > b.Version:
		return a.Copy()
	case b.Version > a.Version:
		return b.Copy()
	}

	out := a.Copy()
	for subject, sb := range b.Subjects {
		if sa, ok := out.Subjects[subject]; ok {
			out.Subjects[subject] = sa.join(sb)
		} else {
			out.Subjects[subject] = sb
		}
	}
	return out
}

// View is the aggregated cluster-wide status of every subject that at least
// one observer does not consider reachable.
type View map[address.UniqueAddress]Status

// Aggregate computes the cluster-wide view: the worst verdict of any observer
// wins, so a subject is reachable only when every observer says so.
func Aggregate(reports []Report) View {
	view := make(View)
	for _, r := range reports {
		for subject, s := range r.Subjects {
			if s.Status == Reachable || subject == r.Observer {
				continue
			}
			if s.Status > view[subject] {
				view[subject] = s.Status
			}
		}
	}
	return view
}

// Status returns the aggregated status of subject.
func (v View) Status(subject address.UniqueAddress) Status {
	return v[subject]
}

// IsReachable reports whether no observer flags subject.
func (v View) IsReachable(subject address.UniqueAddress) bool {
	return v[subject] == Reachable
}

// Unreachable returns the subjects flagged Unreachable, ordered. Terminated
// subjects are gone for good and are not listed.
func (v View) Unreachable() []address.UniqueAddress {
	out := make([]address.UniqueAddress, 0, len(v))
	for subject, s := range v {
		if s == Unreachable {
			out = append(out, subject)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Observers returns the observers that currently flag at least one subject
// as Unreachable.
func Observers(reports []Report) []address.UniqueAddress {
	var out []address.UniqueAddress
	for _, r := range reports {
		for subject, s := range r.Subjects {
			if s.Status == Unreachable && subject != r.Observer {
				out = append(out, r.Observer)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}
