package runner

import (
	"fmt"

	"github.com/osiris-etl/osiris/internal/compile"
	"github.com/osiris-etl/osiris/internal/drivers"
	"github.com/osiris-etl/osiris/internal/oml"
)

// AssembleInputs gathers a step's input tables from the output cache of the
// steps that ran before it. Explicit inputs resolve "${step.output}"
// references; a writer with only needs edges gets its single upstream "df".
// Tables are cloned so drivers cannot mutate cached outputs.
func AssembleInputs(step compile.Step, cache map[string]map[string]drivers.Table) (map[string]drivers.Table, error) {
	inputs := map[string]drivers.Table{}
	for name, refStr := range step.Inputs {
		depID, output, ok := oml.ParseInputRef(refStr)
		if !ok {
			return nil, fmt.Errorf("step %s: malformed input reference %q", step.ID, refStr)
		}
		upstream, ok := cache[depID][output]
		if !ok {
			return nil, fmt.Errorf("step %s: upstream output %s.%s not available", step.ID, depID, output)
		}
		inputs[name] = upstream.Clone()
	}
	if len(inputs) == 0 {
		for _, dep := range step.Needs {
			if df, ok := cache[dep]["df"]; ok {
				inputs["df"] = df.Clone()
			}
		}
	}
	return inputs, nil
}
