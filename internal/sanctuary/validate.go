package sanctuary

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"sanctuary-live/internal/reason"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// check validates v and turns the first failure into an invalid_request error.
func check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
		if fe.Param() != "" {
			return reason.Invalid(fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		}
		return reason.Invalid(fmt.Sprintf("%s failed %s", field, fe.Tag()))
	}
	return reason.Invalid(err.Error())
}
