package rpmstage

import (
	"fmt"
	"regexp"
	"strings"
)

// Sense is the version comparison of a dependency relation.
type Sense uint32

// SenseAny specifies no specific version compare
// SenseLess specifies less then the specified version
// SenseGreater specifies greater then the specified version
// SenseEqual specifies equal to the specified version
const (
	SenseAny  Sense = 0
	SenseLess Sense = 1 << iota
	SenseGreater
	SenseEqual
)

// RelationKind selects the header tags a set of relations is written to.
type RelationKind string

const (
	RequiresKind   RelationKind = "requires"
	ObsoletesKind  RelationKind = "obsoletes"
	SuggestsKind   RelationKind = "suggests"
	RecommendsKind RelationKind = "recommends"
	ConflictsKind  RelationKind = "conflicts"
	ProvidesKind   RelationKind = "provides"
)

var relationTags = map[RelationKind][3]int{
	ProvidesKind:   {tagProvides, tagProvideVersion, tagProvideFlags},
	RequiresKind:   {tagRequires, tagRequireVersion, tagRequireFlags},
	ObsoletesKind:  {tagObsoletes, tagObsoleteVersion, tagObsoleteFlags},
	SuggestsKind:   {tagSuggests, tagSuggestVersion, tagSuggestFlags},
	RecommendsKind: {tagRecommends, tagRecommendVersion, tagRecommendFlags},
	ConflictsKind:  {tagConflicts, tagConflictVersion, tagConflictFlags},
}

var relationMatch = regexp.MustCompile(`^([^=<>!~\s]+)\s*(?:([=<>]+)\s*(\S+))?$`)

// Relation is a single dependency such as "python >= 2.7".
type Relation struct {
	Name    string
	Version string
	Sense   Sense
}

func (r *Relation) String() string {
	return fmt.Sprintf("%s%v%s", r.Name, r.Sense, r.Version)
}

// Equal compares the string form of two relations.
func (r *Relation) Equal(o *Relation) bool {
	return r.String() == o.String()
}

// Relations is a slice of Relation pointers. It implements flag.Value so it
// can be filled from repeated command line flags.
type Relations []*Relation

func (r *Relations) String() string {
	parts := make([]string, 0, len(*r))
	for _, relation := range *r {
		parts = append(parts, relation.String())
	}
	return strings.Join(parts, ",")
}

// Set parses value and appends it unless an equal relation is present.
func (r *Relations) Set(value string) error {
	relation, err := NewRelation(value)
	if err != nil {
		return err
	}
	r.addIfMissing(relation)
	return nil
}

// Type names the flag value type for pflag.
func (r *Relations) Type() string {
	return "relation"
}

func (r *Relations) addIfMissing(value *Relation) {
	for _, relation := range *r {
		if relation.Equal(value) {
			return
		}
	}
	*r = append(*r, value)
}

func (r Relations) addToIndex(kind RelationKind, h *index) error {
	tags, ok := relationTags[kind]
	if !ok {
		return fmt.Errorf("unknown relation kind %s", kind)
	}
	if len(r) == 0 {
		return nil
	}
	names := make([]string, len(r))
	versions := make([]string, len(r))
	flags := make([]uint32, len(r))
	for i, relation := range r {
		names[i] = relation.Name
		versions[i] = relation.Version
		flags[i] = uint32(relation.Sense)
	}
	h.Add(tags[0], entryStringArray(names))
	h.Add(tags[1], entryStringArray(versions))
	h.Add(tags[2], entryUint32(flags))
	return nil
}

// NewRelation parses a string into a Relation.
func NewRelation(related string) (*Relation, error) {
	related = strings.TrimSpace(related)
	parts := relationMatch.FindStringSubmatch(related)
	if parts == nil {
		return nil, fmt.Errorf("relation %q is not a name with an optional operator and version", related)
	}
	sense, err := parseSense(parts[2])
	if err != nil {
		return nil, err
	}
	return &Relation{
		Name:    parts[1],
		Version: parts[3],
		Sense:   sense,
	}, nil
}

var senseStrings = map[Sense]string{
	SenseAny:                  "",
	SenseLess:                 "<",
	SenseGreater:              ">",
	SenseEqual:                "=",
	SenseLess | SenseEqual:    "<=",
	SenseGreater | SenseEqual: ">=",
}

func (s Sense) String() string {
	if ret, ok := senseStrings[s]; ok {
		return ret
	}
	return "UNKNOWN"
}

func parseSense(sense string) (Sense, error) {
	for ret, toMatch := range senseStrings {
		if sense == toMatch {
			return ret, nil
		}
	}
	return SenseAny, fmt.Errorf("unknown sense value %q", sense)
}
