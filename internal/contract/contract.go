// Package contract checks records at the ingestion boundary. Anything that
// passes here is trusted by the engine without re-validation.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"pmos/internal/domain"
)

var (
	validate      *validator.Validate
	signalIDRegex = regexp.MustCompile(`^SIG-[0-9]{8}-[0-9]{3}$`)
)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("signal_id", func(fl validator.FieldLevel) bool {
		return signalIDRegex.MatchString(fl.Field().String())
	})
}

// ValidateSignal checks a signal against the ingestion contract. Failures
// match domain.ErrValidation.
func ValidateSignal(s domain.Signal) error {
	return toValidationError(validate.Struct(s))
}

// DecisionArgs are the caller-supplied parts of a gate decision.
type DecisionArgs struct {
	SignalID string `validate:"required"`
	Decision string `validate:"required,oneof=approved deferred reject needs_more_info"`
	Priority string `validate:"required,oneof=High Medium Low"`
}

func ValidateDecision(args DecisionArgs) error {
	return toValidationError(validate.Struct(args))
}

// ValidateKind checks a draft kind.
func ValidateKind(kind string) error {
	return toValidationError(validate.Var(kind, "required,oneof=lti rti"))
}

func toValidationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	out := domain.ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, domain.FieldError{
			Field:  fieldName(fe),
			Reason: reason(fe),
		})
	}
	return out
}

func fieldName(fe validator.FieldError) string {
	if fe.Field() == "" {
		return "value"
	}
	return strings.ToLower(fe.Field())
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "signal_id":
		return "must look like SIG-YYYYMMDD-NNN"
	case "datetime":
		return "must be an RFC 3339 timestamp"
	case "gte", "lte":
		return "must be between 0 and 1"
	case "url":
		return "must be a URL"
	}
	return "failed " + fe.Tag()
}
