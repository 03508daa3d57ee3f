// Package common contains the runner flag names and the scenario registry.
package common

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/liya2017/ckb-integration-test/ckb-test-runner/scenario"
)

const (
	CfgLogFmt             = "log.format"
	CfgLogLevel           = "log.level"
	CfgScenarioRegex      = "scenario"
	CfgScenarioRegexShort = "s"
	CfgScenarioSkipRegex  = "skip"

	// ScenarioParamsMask is the viper key of a scenario parameter, e.g.
	// "rfc0221/after-switch.relative_secs". [1] is the scenario name and
	// [2] the parameter name.
	ScenarioParamsMask = "%[1]s.%[2]s"
)

type entry struct {
	scenario  scenario.Scenario
	isDefault bool
}

// Registered scenarios, keyed by lower case name. Registration happens from
// main before the command runs, so no locking is done.
var registry = make(map[string]*entry)

// GetScenarios returns all registered scenarios by name.
func GetScenarios() map[string]scenario.Scenario {
	out := make(map[string]scenario.Scenario, len(registry))
	for name, e := range registry {
		out[name] = e.scenario
	}
	return out
}

// GetScenarioNames returns the names of all scenarios, sorted.
func GetScenarioNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetDefaultScenarios returns the scenarios run when none are selected,
// sorted by name.
func GetDefaultScenarios() []scenario.Scenario {
	var out []scenario.Scenario
	for _, name := range GetScenarioNames() {
		if e := registry[name]; e.isDefault {
			out = append(out, e.scenario)
		}
	}
	return out
}

// IsDefaultScenario returns true iff the named scenario runs by default.
func IsDefaultScenario(name string) bool {
	e, ok := registry[strings.ToLower(name)]
	return ok && e.isDefault
}

// RegisterScenario adds a scenario to the registry. Default scenarios run
// when no scenario is selected explicitly.
func RegisterScenario(s scenario.Scenario, isDefault bool) error {
	n := strings.ToLower(s.Name())
	if _, ok := registry[n]; ok {
		return fmt.Errorf("RegisterScenario: scenario already registered: %s", n)
	}
	registry[n] = &entry{
		scenario:  s,
		isDefault: isDefault,
	}
	return nil
}

// EarlyLogAndExit prints the error and exits. It is meant for failures
// before the logging system is initialized.
func EarlyLogAndExit(err error) {
	_, _ = fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
