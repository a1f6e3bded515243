package shader

import (
	"sort"

	"github.com/cockroachdb/errors"
)

const spirvMagic = 0x07230203

// SPIR-V opcodes and decoration values used by the scanner.
const (
	opDecorate = 71
	opVariable = 59

	decorationBinding       = 33
	decorationDescriptorSet = 34

	storageClassPushConstant = 9
)

// Binding is one descriptor referenced by a shader program.
type Binding struct {
	Set     int
	Binding int
}

// Reflection is the descriptor usage recovered from SPIR-V bytecode. It is
// a linear scan of decorations, not a full parse; anything it cannot
// attribute is simply left out, so treat it as a hint for pipeline layout
// construction rather than ground truth.
type Reflection struct {
	Bindings         []Binding
	HasPushConstants bool
}

// Reflect scans both stages of a program and merges their descriptor
// bindings, deduplicated and sorted by set then binding.
func Reflect(vertexCode, fragmentCode []uint32) (Reflection, error) {
	var merged Reflection

	seen := make(map[Binding]struct{})
	for _, code := range [][]uint32{vertexCode, fragmentCode} {
		stage, err := reflectStage(code)
		if err != nil {
			return Reflection{}, err
		}

		for _, binding := range stage.Bindings {
			if _, ok := seen[binding]; ok {
				continue
			}
			seen[binding] = struct{}{}
			merged.Bindings = append(merged.Bindings, binding)
		}
		merged.HasPushConstants = merged.HasPushConstants || stage.HasPushConstants
	}

	sort.Slice(merged.Bindings, func(i, j int) bool {
		if merged.Bindings[i].Set != merged.Bindings[j].Set {
			return merged.Bindings[i].Set < merged.Bindings[j].Set
		}
		return merged.Bindings[i].Binding < merged.Bindings[j].Binding
	})

	return merged, nil
}

func reflectStage(code []uint32) (Reflection, error) {
	if len(code) < 5 {
		return Reflection{}, errors.New("bytecode is shorter than a SPIR-V header")
	}
	if code[0] != spirvMagic {
		return Reflection{}, errors.New("bytecode does not start with the SPIR-V magic number")
	}

	sets := make(map[uint32]int)
	bindings := make(map[uint32]int)
	var reflection Reflection

	// Instructions start after the five header words. The high half of
	// each first word is the instruction's word count.
	offset := 5
	for offset < len(code) {
		wordCount := int(code[offset] >> 16)
		opcode := code[offset] & 0xffff

		if wordCount < 1 || offset+wordCount > len(code) {
			return Reflection{}, errors.Newf("malformed instruction at word %d", offset)
		}

		switch opcode {
		case opDecorate:
			if wordCount >= 4 {
				target := code[offset+1]
				switch code[offset+2] {
				case decorationBinding:
					bindings[target] = int(code[offset+3])
				case decorationDescriptorSet:
					sets[target] = int(code[offset+3])
				}
			}
		case opVariable:
			if wordCount >= 4 && code[offset+3] == storageClassPushConstant {
				reflection.HasPushConstants = true
			}
		}

		offset += wordCount
	}

	for target, binding := range bindings {
		reflection.Bindings = append(reflection.Bindings, Binding{
			Set:     sets[target],
			Binding: binding,
		})
	}

	return reflection, nil
}
