package domain

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/prop"
)

func Test_MergeSnapshot_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 10000
	properties := gopter.NewProperties(parameters)

	properties.Property("Merge never loses progress", prop.ForAll(
		func(dst, in JobSnapshot) bool {
			before := dst
			MergeSnapshot(&dst, in)
			return dst.Depth >= before.Depth && dst.Depth >= in.Depth &&
				dst.SelDepth >= before.SelDepth && dst.SelDepth >= in.SelDepth &&
				dst.Nodes >= before.Nodes && dst.Nodes >= in.Nodes &&
				dst.Nps >= before.Nps && dst.Nps >= in.Nps
		},
		GenSnapshot(), GenSnapshot(),
	))

	properties.Property("Merge keeps lines sorted with unique ranks", prop.ForAll(
		func(a, b JobSnapshot) bool {
			var dst JobSnapshot
			MergeSnapshot(&dst, a)
			MergeSnapshot(&dst, b)
			last := 0
			for _, line := range dst.Lines {
				if line.MultiPv <= last {
					return false
				}
				last = line.MultiPv
			}
			return true
		},
		GenSnapshot(), GenSnapshot(),
	))

	properties.Property("Repeating an update changes nothing", prop.ForAll(
		func(a, b JobSnapshot) bool {
			var once, twice JobSnapshot
			MergeSnapshot(&once, a)
			MergeSnapshot(&once, b)
			MergeSnapshot(&twice, a)
			MergeSnapshot(&twice, b)
			MergeSnapshot(&twice, b)
			return reflect.DeepEqual(once, twice)
		},
		GenSnapshot(), GenSnapshot(),
	))

	properties.TestingRun(t)
}
