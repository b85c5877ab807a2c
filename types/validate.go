package types

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the descriptor fields. Failures wrap ErrInvalidArgument.
func (h HostDescriptor) Validate() error {
	err := structValidator().Struct(h)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: host descriptor: %s", ErrInvalidArgument, strings.Join(fields, ", "))
}

// ValidateApplicationID rejects empty ids.
func ValidateApplicationID(id ApplicationID) error {
	if id == "" {
		return fmt.Errorf("%w: empty application id", ErrInvalidArgument)
	}
	return nil
}
