// pkg/registry/validate.go
package registry

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError describes a single schema violation.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateInput checks job variables against the activity's input schema.
// An activity with no schema accepts anything.
func (a *Activity) ValidateInput(input map[string]interface{}) []ValidationError {
	return validate(a.InputSchema, input)
}

// ValidateRawInput checks a raw job-variable payload against the input
// schema. A payload that is not a JSON object is itself a violation.
func (a *Activity) ValidateRawInput(variables []byte) []ValidationError {
	var doc map[string]interface{}
	if err := json.Unmarshal(variables, &doc); err != nil {
		return []ValidationError{{Field: "(variables)", Message: err.Error()}}
	}
	return a.ValidateInput(doc)
}

// ValidateOutput checks completed-job variables against the output schema.
func (a *Activity) ValidateOutput(output map[string]interface{}) []ValidationError {
	return validate(a.OutputSchema, output)
}

func validate(schema map[string]interface{}, doc map[string]interface{}) []ValidationError {
	if len(schema) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return []ValidationError{{Field: "(schema)", Message: err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	errs := make([]ValidationError, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		errs = append(errs, ValidationError{
			Field:   re.Field(),
			Message: re.Description(),
		})
	}
	return errs
}

// FindActivity returns the registry entry for a task type.
func (r *ActivityRegistry) FindActivity(taskType string) (*Activity, bool) {
	for i := range r.Activities {
		if r.Activities[i].TaskType == taskType {
			return &r.Activities[i], true
		}
	}
	return nil, false
}
