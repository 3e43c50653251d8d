package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/am6737/packetguard/api"
)

// MaxRangeSpan caps how many ids one "a-b" range may expand to.
const MaxRangeSpan = 4096

// TypeSet is the set of packet types a rule applies to.
type TypeSet struct {
	all bool
	ids []api.TypeID
}

// AllTypes matches every packet type.
func AllTypes() TypeSet { return TypeSet{all: true} }

func NewTypeSet(ids ...api.TypeID) TypeSet {
	return TypeSet{ids: normalize(ids)}
}

func (s TypeSet) All() bool { return s.all }

// IDs returns the explicit ids in ascending order, nil for AllTypes.
func (s TypeSet) IDs() []api.TypeID { return s.ids }

func (s TypeSet) Contains(t api.TypeID) bool {
	if s.all {
		return true
	}
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= t })
	return i < len(s.ids) && s.ids[i] == t
}

func (s TypeSet) IsEmpty() bool { return !s.all && len(s.ids) == 0 }

func (s TypeSet) String() string {
	if s.all {
		return "all"
	}
	parts := make([]string, len(s.ids))
	for i, id := range s.ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

// ParseTypeSet parses "all", or a comma separated list of decimal or hex
// ids and inclusive ranges, e.g. "0x0A,12,0x20-0x2F".
func ParseTypeSet(expr string) (TypeSet, error) {
	expr = strings.TrimSpace(expr)
	switch strings.ToLower(expr) {
	case "all", "any", "*":
		return AllTypes(), nil
	case "":
		return TypeSet{}, fmt.Errorf("empty type set")
	}

	var ids []api.TypeID
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		// "-" 既可能是范围分隔符, 也可能是负数前缀
		if i := strings.Index(part[1:], "-"); i >= 0 {
			lo, err := parseTypeID(part[:i+1])
			if err != nil {
				return TypeSet{}, err
			}
			hi, err := parseTypeID(part[i+2:])
			if err != nil {
				return TypeSet{}, err
			}
			if hi < lo {
				return TypeSet{}, fmt.Errorf("invalid range %q", part)
			}
			if int64(hi)-int64(lo) >= MaxRangeSpan {
				return TypeSet{}, fmt.Errorf("range %q spans more than %d types", part, MaxRangeSpan)
			}
			for t := int64(lo); t <= int64(hi); t++ {
				ids = append(ids, api.TypeID(t))
			}
			continue
		}

		t, err := parseTypeID(part)
		if err != nil {
			return TypeSet{}, err
		}
		ids = append(ids, t)
	}
	if len(ids) == 0 {
		return TypeSet{}, fmt.Errorf("empty type set %q", expr)
	}
	return NewTypeSet(ids...), nil
}

func parseTypeID(s string) (api.TypeID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid packet type %q", s)
	}
	return api.TypeID(n), nil
}

func normalize(ids []api.TypeID) []api.TypeID {
	if len(ids) == 0 {
		return nil
	}
	out := append([]api.TypeID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

func (s TypeSet) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TypeSet) UnmarshalText(b []byte) error {
	v, err := ParseTypeSet(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
