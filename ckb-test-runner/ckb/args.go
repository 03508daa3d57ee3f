package ckb

import "fmt"

// Argument is a single argument on the commandline, including its values.
type Argument struct {
	// Name is the name of the argument, i.e. the leading dashed component.
	Name string `json:"name"`
	// Values is the array of values passed to this argument.
	Values []string `json:"values"`
	// MultiValued tells the system that multiple occurrences of the same argument
	// should have their value arrays merged.
	MultiValued bool `json:"multi_valued"`
}

type argBuilder struct {
	vec []Argument
}

func (args *argBuilder) extraArgs(extra []Argument) *argBuilder {
	args.vec = append(args.vec, extra...)
	return args
}

// overwriteSpec lets a staged database run under a chain spec file other
// than the one it was created with. Releases before v0.100.0 reject it.
func (args *argBuilder) overwriteSpec() *argBuilder {
	args.vec = append(args.vec, Argument{Name: "overwrite-spec"})
	return args
}

// baAdvanced enables the block assembler with a non-secp256k1 lock.
func (args *argBuilder) baAdvanced() *argBuilder {
	args.vec = append(args.vec, Argument{Name: "ba-advanced"})
	return args
}

// merge renders the arguments, dropping exact duplicates. A single-valued
// argument given twice with different values is an error.
func (args *argBuilder) merge() ([]string, error) {
	output := []string{}
	shipped := map[string][]string{}
	multiValued := map[string][][]string{}

	slicesEqual := func(s1, s2 []string) bool {
		if len(s1) != len(s2) {
			return false
		}
		for i := range s1 {
			if s1[i] != s2[i] {
				return false
			}
		}
		return true
	}

	for _, arg := range args.vec {
		if arg.MultiValued {
			dup := false
			for _, el := range multiValued[arg.Name] {
				if slicesEqual(el, arg.Values) {
					dup = true
					break
				}
			}
			if !dup {
				output = append(output, "--"+arg.Name)
				output = append(output, arg.Values...)
				multiValued[arg.Name] = append(multiValued[arg.Name], arg.Values)
			}
			continue
		}

		vals, ok := shipped[arg.Name]
		switch {
		case !ok:
			output = append(output, "--"+arg.Name)
			output = append(output, arg.Values...)
			shipped[arg.Name] = arg.Values
		case !slicesEqual(vals, arg.Values):
			return nil, fmt.Errorf("ckb: single-valued argument given multiple times with different values (%s)", arg.Name)
		}
	}
	return output, nil
}

func newArgBuilder() *argBuilder {
	return &argBuilder{}
}
