package observability

import (
	"errors"
	"fmt"

	"github.com/coachpo/mediation/errs"
)

// AggregateErrors joins the non-nil failures of a multi-step operation into a
// single error and logs one summary entry through logger. Envelope failures
// contribute their network and canonical code to the entry.
func AggregateErrors(logger Logger, operation string, failures []error, fields ...Field) error {
	filtered := make([]error, 0, len(failures))
	messages := make([]string, 0, len(failures))
	networks := make([]string, 0, len(failures))
	canonical := make([]string, 0, len(failures))
	for _, err := range failures {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
		var env *errs.E
		if errors.As(err, &env) && env != nil {
			networks = append(networks, env.Network)
			canonical = append(canonical, string(env.Canonical))
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	logFields := append(fields,
		F("operation", operation),
		F("error_count", len(filtered)),
		F("errors", messages),
	)
	if len(networks) > 0 {
		logFields = append(logFields, F("networks", networks), F("canonical", canonical))
	}
	OrDefault(logger).Error("operation errors", logFields...)
	return fmt.Errorf("%s: %w", operation, errors.Join(filtered...))
}
