package consistency

import (
	"fmt"
	"strconv"
	"strings"
)

// ExpectedVersion is the optimistic concurrency condition of an append.
// It is one of Any, MustExist, MustNotExist or a concrete Revision.
type ExpectedVersion interface {
	fmt.Stringer
	expectedVersion()
}

// Any means append without checking the current revision.
type Any struct{}

// MustExist means the stream must already contain at least one record.
type MustExist struct{}

// MustNotExist means the stream must not exist yet.
type MustNotExist struct{}

// Revision matches exactly the zero-based revision of the stream's last
// record.
type Revision uint64

func (Any) expectedVersion()          {}
func (MustExist) expectedVersion()    {}
func (MustNotExist) expectedVersion() {}
func (Revision) expectedVersion()     {}

func (Any) String() string          { return "any" }
func (MustExist) String() string    { return "exists" }
func (MustNotExist) String() string { return "no-stream" }
func (r Revision) String() string   { return strconv.FormatUint(uint64(r), 10) }

// VersionOf converts a raw last revision into an ExpectedVersion. Negative
// values mean the stream does not exist.
func VersionOf(lastRevision int64) ExpectedVersion {
	if lastRevision < 0 {
		return MustNotExist{}
	}
	return Revision(lastRevision)
}

// RevisionOf returns the concrete revision of v, or -1 for sentinels.
func RevisionOf(v ExpectedVersion) int64 {
	if r, ok := v.(Revision); ok {
		return int64(r)
	}
	return -1
}

// CheckExpected validates expected against the stream's actual last
// revision (-1 when absent). Backends call it inside their atomic section.
func CheckExpected(stream string, expected ExpectedVersion, lastRevision int64) error {
	switch rev := expected.(type) {
	case nil, Any:
		return nil
	case MustNotExist:
		if lastRevision >= 0 {
			return NewConcurrencyConflict(stream, expected, lastRevision)
		}
	case MustExist:
		if lastRevision < 0 {
			return NewConcurrencyConflict(stream, expected, lastRevision)
		}
	case Revision:
		if int64(rev) != lastRevision {
			return NewConcurrencyConflict(stream, expected, lastRevision)
		}
	default:
		return fmt.Errorf("stream %q: unsupported expected version %T", stream, expected)
	}
	return nil
}

// StreamVersion pairs a stream with the version its holder last observed.
type StreamVersion struct {
	Stream  string
	Version ExpectedVersion
}

func (v StreamVersion) String() string {
	return v.Stream + "@" + v.Version.String()
}

// StreamVersions is the set of tokens held by one unit of work.
type StreamVersions []StreamVersion

// Find returns the token for a stream.
func (vs StreamVersions) Find(stream string) (StreamVersion, bool) {
	for _, v := range vs {
		if v.Stream == stream {
			return v, true
		}
	}
	return StreamVersion{}, false
}

// With returns a copy where the token for v.Stream is replaced by v, or
// appended if absent.
func (vs StreamVersions) With(v StreamVersion) StreamVersions {
	out := make(StreamVersions, 0, len(vs)+1)
	replaced := false
	for _, existing := range vs {
		if existing.Stream == v.Stream {
			out = append(out, v)
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, v)
	}
	return out
}

func (vs StreamVersions) String() string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
