package flashcard

import (
	"strings"
	"sync"

	validatorpkg "github.com/go-playground/validator/v10"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
)

var (
	validatorOnce sync.Once
	validatorInst *validatorpkg.Validate
)

func getValidator() *validatorpkg.Validate {
	validatorOnce.Do(func() { validatorInst = validatorpkg.New() })
	return validatorInst
}

// Validate checks the invariants of §3: position >= 1, term non-empty
// after trimming, batch_id set. Uniqueness of (batch_id, position) is
// a queue-level invariant, enforced on enqueue.
func (v VocabItem) Validate() error {
	if err := getValidator().Struct(v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid vocabulary item")
	}
	if strings.TrimSpace(v.Term) == "" {
		return apperrors.NewValidationError("term must be non-empty after trimming")
	}
	return nil
}
